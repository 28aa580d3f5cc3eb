// Package params resolves the agent's startup parameters: the local peer
// identifier and the optional peer to call once registration succeeds.
package params

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net/url"
	"strings"
)

const (
	KeyPeerID   = "mypeerid"
	KeyTargetID = "targetpeerid"

	idPrefix = "peer-"
	idLength = 9
	alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
)

// Params are the resolved startup parameters.
type Params struct {
	PeerID   string
	TargetID string
}

// Parse reads mypeerid and targetpeerid from a query string. A leading '?' is
// allowed. Missing keys are returned empty.
func Parse(rawQuery string) (Params, error) {
	q, err := url.ParseQuery(strings.TrimPrefix(rawQuery, "?"))
	if err != nil {
		return Params{}, fmt.Errorf("parse query: %w", err)
	}
	return Params{
		PeerID:   strings.TrimSpace(q.Get(KeyPeerID)),
		TargetID: strings.TrimSpace(q.Get(KeyTargetID)),
	}, nil
}

// Resolve parses rawURL. When mypeerid is missing it generates one and returns
// the URL to reload with (mypeerid appended, other parameters kept); the
// returned Params are then empty and the caller resolves the redirect.
func Resolve(rawURL string) (p Params, redirect string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Params{}, "", fmt.Errorf("parse url: %w", err)
	}
	p, err = Parse(u.RawQuery)
	if err != nil {
		return Params{}, "", err
	}
	if p.PeerID != "" {
		if p.PeerID == p.TargetID {
			return Params{}, "", errors.New("targetpeerid must differ from mypeerid")
		}
		return p, "", nil
	}

	id, err := GeneratePeerID()
	if err != nil {
		return Params{}, "", err
	}
	return Params{}, withPeerID(u, id), nil
}

// WithPeerID returns rawURL with mypeerid set to id, other parameters kept.
func WithPeerID(rawURL, id string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	return withPeerID(u, id), nil
}

func withPeerID(u *url.URL, id string) string {
	q := u.Query()
	q.Set(KeyPeerID, id)
	u.RawQuery = q.Encode()
	return u.String()
}

// MustResolve follows at most one redirect, which is what a page reload does.
func MustResolve(rawURL string) (Params, error) {
	p, redirect, err := Resolve(rawURL)
	if err != nil || redirect == "" {
		return p, err
	}
	p, redirect, err = Resolve(redirect)
	if err != nil {
		return Params{}, err
	}
	if redirect != "" {
		return Params{}, errors.New("redirect did not settle on a peer id")
	}
	return p, nil
}

// GeneratePeerID returns "peer-" followed by nine random base36 characters.
func GeneratePeerID() (string, error) {
	var sb strings.Builder
	sb.Grow(len(idPrefix) + idLength)
	sb.WriteString(idPrefix)
	max := big.NewInt(int64(len(alphabet)))
	for i := 0; i < idLength; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate peer id: %w", err)
		}
		sb.WriteByte(alphabet[n.Int64()])
	}
	return sb.String(), nil
}

// Query renders p back into a query string (without the leading '?').
func (p Params) Query() string {
	q := url.Values{}
	if p.PeerID != "" {
		q.Set(KeyPeerID, p.PeerID)
	}
	if p.TargetID != "" {
		q.Set(KeyTargetID, p.TargetID)
	}
	return q.Encode()
}
