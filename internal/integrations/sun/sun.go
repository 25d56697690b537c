// Package sun computes the sun's daily events locally and serves them
// through a coordinator. No network is involved; a fetch only fails at
// latitudes where the sun neither rises nor sets on the day.
package sun

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nathan-osman/go-sunrise"
	"go.uber.org/zap"

	"hacoordinator/pkg/clock"
	"hacoordinator/pkg/coordinator"
	"hacoordinator/pkg/integration"
)

// DefaultInterval is used when the entry sets no scan_interval.
const DefaultInterval = time.Minute

// Event is the simplified position of the sun in the day.
type Event string

const (
	EventMorning Event = "morning"
	EventDay     Event = "day"
	EventSunset  Event = "sunset"
	EventDusk    Event = "dusk"
	EventNight   Event = "night"
)

// ErrNoSunEvents is returned during polar day or polar night.
var ErrNoSunEvents = errors.New("sun does not rise or set on this day")

// Reading is the coordinator data of a sun entry.
type Reading struct {
	Event        Event     `json:"event"`
	AboveHorizon bool      `json:"above_horizon"`
	Dawn         time.Time `json:"dawn"`
	Sunrise      time.Time `json:"sunrise"`
	Sunset       time.Time `json:"sunset"`
	Dusk         time.Time `json:"dusk"`
	NextRising   time.Time `json:"next_rising"`
	NextSetting  time.Time `json:"next_setting"`
}

// Options is the options block of a sun entry.
type Options struct {
	Latitude  float64 `yaml:"latitude"`
	Longitude float64 `yaml:"longitude"`
}

// Validate checks the coordinates.
func (o Options) Validate() error {
	if o.Latitude < -90 || o.Latitude > 90 {
		return fmt.Errorf("latitude %v out of range", o.Latitude)
	}
	if o.Longitude < -180 || o.Longitude > 180 {
		return fmt.Errorf("longitude %v out of range", o.Longitude)
	}
	return nil
}

// Compute returns the sun reading for now at the given location.
func Compute(now time.Time, latitude, longitude float64) (Reading, error) {
	now = now.UTC()
	rise, set := sunrise.SunriseSunset(latitude, longitude, now.Year(), now.Month(), now.Day())
	if rise.IsZero() || set.IsZero() {
		return Reading{}, ErrNoSunEvents
	}

	r := Reading{
		Sunrise: rise,
		Sunset:  set,
		// Civil twilight is roughly half an hour either side.
		Dawn: rise.Add(-30 * time.Minute),
		Dusk: set.Add(30 * time.Minute),
	}
	r.AboveHorizon = !now.Before(rise) && now.Before(set)

	switch {
	case now.Before(r.Dawn):
		r.Event = EventNight
	case now.Before(rise.Add(30 * time.Minute)):
		r.Event = EventMorning
	case now.Before(set.Add(-time.Hour)):
		r.Event = EventDay
	case now.Before(set):
		r.Event = EventSunset
	case now.Before(r.Dusk):
		r.Event = EventDusk
	default:
		r.Event = EventNight
	}

	tomorrow := now.AddDate(0, 0, 1)
	nextRise, nextSet := sunrise.SunriseSunset(latitude, longitude, tomorrow.Year(), tomorrow.Month(), tomorrow.Day())
	r.NextRising = rise
	if !now.Before(rise) {
		r.NextRising = nextRise
	}
	r.NextSetting = set
	if !now.Before(set) {
		r.NextSetting = nextSet
	}
	return r, nil
}

// Integration serves one location.
type Integration struct {
	name   string
	logger *zap.Logger
	clock  clock.Clock
	opts   Options
	coord  *coordinator.Coordinator[Reading]
}

// New is the integration.Factory for type "sun".
func New(ctx *integration.Context) (integration.Integration, error) {
	var opts Options
	if err := ctx.DecodeOptions(&opts); err != nil {
		return nil, err
	}
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("sun entry %s: %w", ctx.Entry.Name, err)
	}

	s := &Integration{
		name:   ctx.Entry.Name,
		logger: ctx.Logger,
		clock:  ctx.Clock,
		opts:   opts,
	}
	coord, err := coordinator.New(ctx.CoordinatorName(""), s.fetch, ctx.Options(DefaultInterval)...)
	if err != nil {
		return nil, err
	}
	s.coord = coord
	return s, nil
}

// Register adds the sun type to r.
func Register(r *integration.Registry) error {
	return r.Register(integration.TypeInfo{
		Type:                "sun",
		Description:         "Sun events computed for a fixed location",
		Priority:            integration.PriorityDefault,
		Factory:             New,
		DefaultScanInterval: DefaultInterval,
	})
}

func (s *Integration) fetch(ctx context.Context) (Reading, error) {
	return Compute(s.clock.Now(), s.opts.Latitude, s.opts.Longitude)
}

func (s *Integration) Name() string { return s.name }

func (s *Integration) Setup(ctx context.Context) error {
	if err := s.coord.FirstRefresh(ctx); err != nil {
		return err
	}
	r, _ := s.coord.Data()
	s.logger.Info("Sun times computed",
		zap.String("event", string(r.Event)),
		zap.Time("sunrise", r.Sunrise),
		zap.Time("sunset", r.Sunset))
	return nil
}

func (s *Integration) Unload() {
	s.coord.Shutdown()
}

func (s *Integration) Coordinators() []coordinator.Handle {
	return []coordinator.Handle{s.coord}
}

// Coordinator returns the typed coordinator.
func (s *Integration) Coordinator() *coordinator.Coordinator[Reading] {
	return s.coord
}
