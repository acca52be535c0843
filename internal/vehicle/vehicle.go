// Package vehicle reads vehicle data through the session manager so every
// call gets one transparent refresh on an expired session.
package vehicle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/augard/evmaps-sub001/internal/connect"
	apperrors "github.com/augard/evmaps-sub001/internal/errors"
	"github.com/augard/evmaps-sub001/internal/models"
	"github.com/augard/evmaps-sub001/internal/session"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// API is the subset of the connect client the service calls.
type API interface {
	ListVehicles(ctx context.Context, auth models.AuthorizationData) ([]connect.Vehicle, error)
	VehicleStatus(ctx context.Context, auth models.AuthorizationData, vehicleID string, refresh bool) (json.RawMessage, error)
}

// SnapshotStore keeps the last status document per VIN.
type SnapshotStore interface {
	StatusSnapshot(vin string) ([]byte, error)
	SetStatusSnapshot(vin string, data []byte) error
}

// ErrAmbiguousVehicle is returned when no VIN was given or selected and
// the account has more than one vehicle.
var ErrAmbiguousVehicle = errors.New("several vehicles registered, select a VIN")

// Status is one status reading.
type Status struct {
	VIN       string          `json:"vin"`
	VehicleID string          `json:"vehicleId"`
	FetchedAt time.Time       `json:"fetchedAt"`
	Status    json.RawMessage `json:"status"`
}

// Change is one added or removed line of the formatted status document.
type Change struct {
	Op   string `json:"op"`
	Line string `json:"line"`
}

// Changes compares the current status with the previous snapshot.
type Changes struct {
	VIN         string    `json:"vin"`
	HasPrevious bool      `json:"hasPrevious"`
	PreviousAt  time.Time `json:"previousAt,omitzero"`
	CurrentAt   time.Time `json:"currentAt"`
	Changes     []Change  `json:"changes"`
}

// Service resolves vehicles and reads their status.
type Service struct {
	api       API
	sessions  *session.Manager
	snapshots SnapshotStore
	logger    *slog.Logger
	now       func() time.Time

	// defaultVIN supplies the user's selected vehicle.
	defaultVIN func() (string, error)

	mu       sync.Mutex
	vehicles []connect.Vehicle
}

// Option configures a Service.
type Option func(*Service)

// WithSnapshotStore persists snapshots; by default they are kept in memory.
func WithSnapshotStore(s SnapshotStore) Option {
	return func(svc *Service) { svc.snapshots = s }
}

// WithDefaultVIN sets the source of the selected VIN used when a call
// names none.
func WithDefaultVIN(f func() (string, error)) Option {
	return func(svc *Service) { svc.defaultVIN = f }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(svc *Service) {
		if l != nil {
			svc.logger = l
		}
	}
}

// NewService creates a Service.
func NewService(api API, sessions *session.Manager, opts ...Option) *Service {
	svc := &Service{
		api:        api,
		sessions:   sessions,
		snapshots:  newMemorySnapshots(),
		logger:     slog.Default(),
		now:        time.Now,
		defaultVIN: func() (string, error) { return "", nil },
	}

	for _, opt := range opts {
		opt(svc)
	}

	return svc
}

// Vehicles lists the account's vehicles.
func (s *Service) Vehicles(ctx context.Context) ([]connect.Vehicle, error) {
	vehicles, err := session.Execute(ctx, s.sessions, func(ctx context.Context, auth models.AuthorizationData) ([]connect.Vehicle, error) {
		return s.api.ListVehicles(ctx, auth)
	})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.vehicles = vehicles
	s.mu.Unlock()

	return vehicles, nil
}

// Status reads the status of vin, or of the selected vehicle when vin is
// empty. refresh asks the backend to wake the car for a fresh reading.
func (s *Service) Status(ctx context.Context, vin string, refresh bool) (Status, error) {
	st, _, err := s.fetch(ctx, vin, refresh)
	return st, err
}

// StatusChanges reads the cached status and reports which lines of the
// formatted document changed since the previous reading.
func (s *Service) StatusChanges(ctx context.Context, vin string) (Changes, error) {
	st, prev, err := s.fetch(ctx, vin, false)
	if err != nil {
		return Changes{}, err
	}

	out := Changes{VIN: st.VIN, CurrentAt: st.FetchedAt, Changes: []Change{}}
	if prev == nil {
		return out, nil
	}

	out.HasPrevious = true
	out.PreviousAt = prev.FetchedAt
	out.Changes = diffLines(formatStatus(prev.Status), formatStatus(st.Status))

	return out, nil
}

// fetch reads a status and records it, returning the snapshot it replaced.
func (s *Service) fetch(ctx context.Context, vin string, refresh bool) (Status, *snapshot, error) {
	v, err := s.resolve(ctx, vin)
	if err != nil {
		return Status{}, nil, err
	}

	raw, err := session.Execute(ctx, s.sessions, func(ctx context.Context, auth models.AuthorizationData) (json.RawMessage, error) {
		return s.api.VehicleStatus(ctx, auth, v.VehicleID, refresh)
	})
	if err != nil {
		return Status{}, nil, err
	}

	st := Status{VIN: v.VIN, VehicleID: v.VehicleID, FetchedAt: s.now(), Status: raw}

	prev, err := s.loadSnapshot(v.VIN)
	if err != nil {
		s.logger.Warn("reading status snapshot", slog.String("vin", v.VIN), slog.String("error", err.Error()))
	}

	if err := s.saveSnapshot(st); err != nil {
		s.logger.Warn("saving status snapshot", slog.String("vin", v.VIN), slog.String("error", err.Error()))
	}

	return st, prev, nil
}

// resolve maps a VIN (or the default selection) to a vehicle.
func (s *Service) resolve(ctx context.Context, vin string) (connect.Vehicle, error) {
	if vin == "" {
		selected, err := s.defaultVIN()
		if err != nil {
			return connect.Vehicle{}, fmt.Errorf("reading selected VIN: %w", err)
		}

		vin = selected
	}

	s.mu.Lock()
	cached := s.vehicles
	s.mu.Unlock()

	if v, ok := pick(cached, vin); ok {
		return v, nil
	}

	vehicles, err := s.Vehicles(ctx)
	if err != nil {
		return connect.Vehicle{}, err
	}

	if v, ok := pick(vehicles, vin); ok {
		return v, nil
	}

	if vin == "" && len(vehicles) > 1 {
		return connect.Vehicle{}, ErrAmbiguousVehicle
	}

	return connect.Vehicle{}, fmt.Errorf("%w: %s", apperrors.ErrVehicleNotFound, vin)
}

// pick finds vin in vehicles. An empty vin matches a sole vehicle.
func pick(vehicles []connect.Vehicle, vin string) (connect.Vehicle, bool) {
	if vin == "" {
		if len(vehicles) == 1 {
			return vehicles[0], true
		}

		return connect.Vehicle{}, false
	}

	for _, v := range vehicles {
		if strings.EqualFold(v.VIN, vin) {
			return v, true
		}
	}

	return connect.Vehicle{}, false
}

// diffLines returns the added and removed lines between two documents.
func diffLines(before, after string) []Change {
	dmp := diffmatchpatch.New()

	a, b, lines := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	changes := []Change{}

	for _, d := range diffs {
		var op string

		switch d.Type {
		case diffmatchpatch.DiffInsert:
			op = "added"
		case diffmatchpatch.DiffDelete:
			op = "removed"
		default:
			continue
		}

		for _, line := range strings.Split(strings.TrimSuffix(d.Text, "\n"), "\n") {
			changes = append(changes, Change{Op: op, Line: line})
		}
	}

	return changes
}

// formatStatus renders a status document with sorted keys, one value per
// line, so that diffs line up field by field.
func formatStatus(raw json.RawMessage) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}

	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return string(raw)
	}

	return string(out) + "\n"
}
