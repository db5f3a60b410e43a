package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/BalajiS74/trakerbackend/internal/model"
)

// Memory is an in-process Store used by tests and local development. It keeps
// the same conditional-rotation semantics as the Postgres implementation.
type Memory struct {
	mu         sync.Mutex
	principals map[string]model.Principal
	buses      map[string]model.Bus
	reports    map[string]model.Report
}

func NewMemory() *Memory {
	return &Memory{
		principals: make(map[string]model.Principal),
		buses:      make(map[string]model.Bus),
		reports:    make(map[string]model.Report),
	}
}

func (s *Memory) FindByContact(_ context.Context, email string) ([]model.Principal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matches []model.Principal
	for _, p := range s.principals {
		if p.Email == email {
			matches = append(matches, clonePrincipal(p))
			continue
		}
		for _, g := range p.Guardians {
			if g.Email == email {
				matches = append(matches, clonePrincipal(p))
				break
			}
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].ID < matches[j].ID })
	return matches, nil
}

func (s *Memory) GetPrincipal(_ context.Context, id string) (model.Principal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.principals[id]
	if !ok {
		return model.Principal{}, ErrNotFound
	}
	return clonePrincipal(p), nil
}

func (s *Memory) CreatePrincipal(_ context.Context, p model.Principal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.principals {
		if existing.Email == p.Email {
			return ErrDuplicate
		}
	}
	s.principals[p.ID] = clonePrincipal(p)
	return nil
}

func (s *Memory) UpdatePrincipal(_ context.Context, p model.Principal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.principals[p.ID]; !ok {
		return ErrNotFound
	}
	p.UpdatedAt = time.Now().UTC()
	s.principals[p.ID] = clonePrincipal(p)
	return nil
}

func (s *Memory) DeletePrincipal(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.principals[id]; !ok {
		return false, nil
	}
	delete(s.principals, id)
	return true, nil
}

func (s *Memory) RotateRefreshToken(_ context.Context, id, oldToken, newToken string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.principals[id]
	if !ok {
		return false, nil
	}
	if !p.RemoveRefreshToken(oldToken) {
		return false, nil
	}
	p.RefreshTokens = append(p.RefreshTokens, newToken)
	p.UpdatedAt = time.Now().UTC()
	s.principals[id] = p
	return true, nil
}

func (s *Memory) CountActiveByRole(_ context.Context, since time.Time) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[string]int)
	for _, p := range s.principals {
		if p.LastLogin != nil && !p.LastLogin.Before(since) {
			counts[p.Role]++
		}
	}
	return counts, nil
}

func (s *Memory) ListBuses(_ context.Context) ([]model.Bus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	buses := make([]model.Bus, 0, len(s.buses))
	for _, bus := range s.buses {
		buses = append(buses, bus)
	}
	sort.Slice(buses, func(i, j int) bool { return buses[i].BusID < buses[j].BusID })
	return buses, nil
}

func (s *Memory) CreateBus(_ context.Context, bus model.Bus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.buses[bus.BusID]; ok {
		return ErrDuplicate
	}
	s.buses[bus.BusID] = bus
	return nil
}

func (s *Memory) UpsertBusAvailability(_ context.Context, busID string, notAvailable bool) (model.Bus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bus, ok := s.buses[busID]
	if !ok {
		bus = model.Bus{BusID: busID, CreatedAt: time.Now().UTC()}
	}
	bus.IsNotAvailable = notAvailable
	s.buses[busID] = bus
	return bus, nil
}

func (s *Memory) SetAllBusAvailability(_ context.Context, notAvailable bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, bus := range s.buses {
		bus.IsNotAvailable = notAvailable
		s.buses[id] = bus
	}
	return nil
}

func (s *Memory) CreateReport(_ context.Context, rep model.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.reports[rep.ID] = rep
	return nil
}

func (s *Memory) GetReport(_ context.Context, id string) (model.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rep, ok := s.reports[id]
	if !ok {
		return model.Report{}, ErrNotFound
	}
	return rep, nil
}

func (s *Memory) ListReportsByUser(_ context.Context, userID string) ([]model.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var reports []model.Report
	for _, rep := range s.reports {
		if rep.UserID == userID {
			reports = append(reports, rep)
		}
	}
	sortReports(reports)
	return reports, nil
}

func (s *Memory) ListReports(_ context.Context) ([]model.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reports := make([]model.Report, 0, len(s.reports))
	for _, rep := range s.reports {
		reports = append(reports, rep)
	}
	sortReports(reports)
	return reports, nil
}

func (s *Memory) UpdateReport(_ context.Context, rep model.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.reports[rep.ID]; !ok {
		return ErrNotFound
	}
	rep.UpdatedAt = time.Now().UTC()
	s.reports[rep.ID] = rep
	return nil
}

func (s *Memory) DeleteReport(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.reports[id]; !ok {
		return false, nil
	}
	delete(s.reports, id)
	return true, nil
}

func sortReports(reports []model.Report) {
	sort.Slice(reports, func(i, j int) bool {
		if reports[i].CreatedAt.Equal(reports[j].CreatedAt) {
			return reports[i].ID < reports[j].ID
		}
		return reports[i].CreatedAt.After(reports[j].CreatedAt)
	})
}

func clonePrincipal(p model.Principal) model.Principal {
	out := p
	out.RefreshTokens = append([]string(nil), p.RefreshTokens...)
	if p.Guardians != nil {
		out.Guardians = make(map[string]model.Guardian, len(p.Guardians))
		for relation, g := range p.Guardians {
			out.Guardians[relation] = g
		}
	}
	if p.EmergencyContact != nil {
		contact := *p.EmergencyContact
		out.EmergencyContact = &contact
	}
	if p.LastLogin != nil {
		lastLogin := *p.LastLogin
		out.LastLogin = &lastLogin
	}
	return out
}
