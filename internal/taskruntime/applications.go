package taskruntime

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/ent0n29/featureserver/internal/session"
)

// ErrNoApplication means no application matched the inbound call.
var ErrNoApplication = errors.New("no application for call")

// ApplicationSource resolves the application that handles an inbound call.
type ApplicationSource interface {
	Lookup(ctx context.Context, call InboundCall) (session.Application, error)
}

// StaticApplications resolves applications from in-process tables. An
// explicit application SID wins; registered devices are routed by the realm
// of the authenticated user and everyone else by called number. Unmatched
// calls get the default application, if any.
type StaticApplications struct {
	mu       sync.RWMutex
	bySID    map[string]session.Application
	byRealm  map[string]session.Application
	byNumber map[string]session.Application
	fallback *session.Application
}

func NewStaticApplications() *StaticApplications {
	return &StaticApplications{
		bySID:    make(map[string]session.Application),
		byRealm:  make(map[string]session.Application),
		byNumber: make(map[string]session.Application),
	}
}

func (s *StaticApplications) Add(app session.Application) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bySID[app.ApplicationSID] = app
}

func (s *StaticApplications) RouteRealm(realm string, app session.Application) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byRealm[strings.ToLower(realm)] = app
}

func (s *StaticApplications) RouteNumber(number string, app session.Application) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byNumber[normalizeNumber(number)] = app
}

// SetDefault routes every otherwise unmatched call to app.
func (s *StaticApplications) SetDefault(app session.Application) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fallback = &app
}

func (s *StaticApplications) Lookup(_ context.Context, call InboundCall) (session.Application, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if call.ApplicationSID != "" {
		if app, ok := s.bySID[call.ApplicationSID]; ok {
			return app, nil
		}
	}
	if call.OriginatingUser != "" {
		if app, ok := s.byRealm[realmOf(call.OriginatingUser)]; ok {
			return app, nil
		}
	} else if app, ok := s.byNumber[normalizeNumber(call.To)]; ok {
		return app, nil
	}
	if s.fallback != nil {
		return *s.fallback, nil
	}
	return session.Application{}, ErrNoApplication
}

// normalizeNumber strips the leading plus of an E.164 number.
func normalizeNumber(n string) string {
	return strings.TrimPrefix(strings.TrimSpace(n), "+")
}

// realmOf returns the realm of user@realm or sip:user@realm.
func realmOf(addr string) string {
	i := strings.LastIndexByte(addr, '@')
	if i < 0 {
		return ""
	}
	realm := addr[i+1:]
	if j := strings.IndexAny(realm, ":;>"); j >= 0 {
		realm = realm[:j]
	}
	return strings.ToLower(realm)
}
