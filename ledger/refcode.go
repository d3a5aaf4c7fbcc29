package ledger

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"regexp"
)

// Reference codes avoid 0/O and 1/I so they survive being read aloud.
const (
	refAlphabet   = "23456789ABCDEFGHJKLMNPQRSTUVWXYZ"
	refLength     = 6
	refMaxRetries = 10
)

var ErrReferenceExhausted = errors.New("could not allocate a unique reference code")

// ReferencePattern matches codes issued with prefix.
func ReferencePattern(prefix string) *regexp.Regexp {
	return regexp.MustCompile("^" + regexp.QuoteMeta(prefix) + "-[" + refAlphabet + "]{" + fmt.Sprint(refLength) + "}$")
}

func randomReference(prefix string) (string, error) {
	buf := make([]byte, refLength)
	max := big.NewInt(int64(len(refAlphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		buf[i] = refAlphabet[n.Int64()]
	}
	return prefix + "-" + string(buf), nil
}

func (l *Ledger) newReference(ctx context.Context) (string, error) {
	for i := 0; i < refMaxRetries; i++ {
		code, err := randomReference(l.prefix)
		if err != nil {
			return "", err
		}
		taken, err := l.store.ReferenceCodeExists(ctx, code)
		if err != nil {
			return "", err
		}
		if !taken {
			return code, nil
		}
	}
	return "", ErrReferenceExhausted
}
