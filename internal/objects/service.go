package objects

import (
	"math/rand"
	"time"
)

// Service is a single monitored check attached to a Host.
type Service struct {
	*Checkable

	HostRef     *Host
	ShortName   string
	DisplayName string
}

// NewService constructs a Service. Name is the fully-qualified identity
// ("host!short_name"); call host.AddService to attach it to its owner.
func NewService(hostName, shortName string, checkInterval time.Duration, rng *rand.Rand) *Service {
	return &Service{
		Checkable: NewCheckable(KindService, hostName+"!"+shortName, checkInterval, rng),
		ShortName: shortName,
	}
}
