package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/valyala/fasthttp"
)

type brokerEnvelope struct {
	Topic string `json:"topic"`
	Event Event  `json:"event"`
}

// HTTPPublisher POSTs {topic, event} to a broker endpoint.
type HTTPPublisher struct {
	url    string
	client *fasthttp.Client
}

func NewHTTPPublisher(url string) *HTTPPublisher {
	return &HTTPPublisher{
		url: url,
		client: &fasthttp.Client{
			Name:         "relay-notify",
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
		},
	}
}

func (p *HTTPPublisher) Publish(ctx context.Context, topic string, ev Event) error {
	body, err := json.Marshal(brokerEnvelope{Topic: topic, Event: ev})
	if err != nil {
		return err
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(p.url)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.SetBody(body)

	timeout := 5 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if err := p.client.DoTimeout(req, resp, timeout); err != nil {
		return fmt.Errorf("broker post: %w", err)
	}
	if code := resp.StatusCode(); code < 200 || code >= 300 {
		return fmt.Errorf("broker post: status %d", code)
	}
	return nil
}
