package proxy

import (
	"errors"
	"strings"
)

// RandomKeyword selects the rotating random VPN on the command line.
const RandomKeyword = "random"

// Request names the VPN a caller wants: a specific slug or the random selection.
type Request struct {
	slug   string
	random bool
}

// Named requests a VPN by slug or display name.
func Named(slug string) Request {
	return Request{slug: strings.TrimSpace(slug)}
}

// Random requests the current random selection.
func Random() Request {
	return Request{random: true}
}

// ParseRequest maps "random" to Random and anything else to Named.
func ParseRequest(raw string) (Request, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Request{}, errors.New("vpn slug is required")
	}
	if strings.EqualFold(raw, RandomKeyword) {
		return Random(), nil
	}
	return Named(raw), nil
}

// IsRandom reports whether the request is the random variant.
func (r Request) IsRandom() bool {
	return r.random
}

// Slug returns the requested slug; empty for Random.
func (r Request) Slug() string {
	return r.slug
}

func (r Request) String() string {
	if r.random {
		return RandomKeyword
	}
	return r.slug
}
