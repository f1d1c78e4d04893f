package service

import (
	"crypto/rand"
	"fmt"
	"io"
	"math/big"

	"channelverify/internal/entity"
)

const (
	phoneTokenLength = 6
	emailTokenLength = 32

	digitAlphabet        = "0123456789"
	alphanumericAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

// SecureTokenGenerator draws every character independently and uniformly
// from the channel's alphabet. Reader defaults to crypto/rand.Reader.
type SecureTokenGenerator struct {
	Reader io.Reader
}

func (g SecureTokenGenerator) Generate(channel entity.ChannelKind) (string, error) {
	switch channel {
	case entity.ChannelPhone:
		return g.draw(digitAlphabet, phoneTokenLength)
	case entity.ChannelEmail:
		return g.draw(alphanumericAlphabet, emailTokenLength)
	default:
		return "", fmt.Errorf("%w: unknown channel %q", ErrInvalidInput, channel)
	}
}

func (g SecureTokenGenerator) draw(alphabet string, length int) (string, error) {
	reader := g.Reader
	if reader == nil {
		reader = rand.Reader
	}
	size := big.NewInt(int64(len(alphabet)))
	out := make([]byte, length)
	for i := range out {
		n, err := rand.Int(reader, size)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrGeneration, err)
		}
		out[i] = alphabet[n.Int64()]
	}
	return string(out), nil
}
