package provider

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// BodyClass is the broad dynamical class of a designation, used to route
// requests to the provider that serves that class.
type BodyClass string

const (
	ClassAsteroid BodyClass = "asteroid"
	ClassComet    BodyClass = "comet"
	ClassUnknown  BodyClass = "unknown"
)

// Resolution is a canonicalized designation plus its class.
type Resolution struct {
	Canonical string
	Class     BodyClass
}

var (
	// 1P, 2P/Encke, 73P-C, 3D
	cometPeriodicRe = regexp.MustCompile(`^(\d+)([PDI])(-[A-Z]+)?(/.+)?$`)
	// C/1995 O1, P/2010 A2, D/1993 F2-A, X/1872 X1
	cometProvisionalRe = regexp.MustCompile(`^([CPDXAI])/(\d{4}) ([A-Z]{1,2}\d*(-[A-Z]+)?)$`)
	// (433), 433
	asteroidNumberRe = regexp.MustCompile(`^\(?(\d+)\)?$`)
	// 2017 UB313, 1998 SD9
	asteroidProvisionalRe = regexp.MustCompile(`^(\d{4}) ([A-Z]{2}\d*)$`)
)

// Resolver canonicalizes body designations and classifies them. Results
// are cached with a TTL so repeated queries for the same target list do
// not redo the parsing, and so a future service-backed resolver stays
// cheap to call.
type Resolver struct {
	cache *expirable.LRU[string, Resolution]
}

// NewResolver creates a Resolver caching up to size resolutions for ttl.
func NewResolver(size int, ttl time.Duration) *Resolver {
	if size <= 0 {
		size = 1024
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Resolver{
		cache: expirable.NewLRU[string, Resolution](size, nil, ttl),
	}
}

// Resolve canonicalizes a designation: whitespace collapsed, periodic
// comet names stripped to their number ("1P/Halley" -> "1P"), numbered
// asteroids unparenthesized. Unrecognized formats pass through as
// ClassUnknown; the router decides what to do with those.
func (r *Resolver) Resolve(designation string) (Resolution, error) {
	key := strings.Join(strings.Fields(designation), " ")
	if key == "" {
		return Resolution{}, fmt.Errorf("empty designation")
	}
	if res, ok := r.cache.Get(key); ok {
		return res, nil
	}

	res := classify(key)
	r.cache.Add(key, res)
	return res, nil
}

func classify(d string) Resolution {
	if m := cometPeriodicRe.FindStringSubmatch(d); m != nil {
		canonical := m[1] + m[2]
		if m[3] != "" {
			canonical += m[3] // fragment suffix
		}
		return Resolution{Canonical: canonical, Class: ClassComet}
	}
	if m := cometProvisionalRe.FindStringSubmatch(d); m != nil {
		return Resolution{Canonical: fmt.Sprintf("%s/%s %s", m[1], m[2], m[3]), Class: ClassComet}
	}
	if m := asteroidNumberRe.FindStringSubmatch(d); m != nil {
		return Resolution{Canonical: m[1], Class: ClassAsteroid}
	}
	if m := asteroidProvisionalRe.FindStringSubmatch(d); m != nil {
		return Resolution{Canonical: fmt.Sprintf("%s %s", m[1], m[2]), Class: ClassAsteroid}
	}
	return Resolution{Canonical: d, Class: ClassUnknown}
}
