package taskruntime

import (
	"context"
	"errors"
	"testing"
)

func TestStaticApplicationsLookupOrder(t *testing.T) {
	apps := NewStaticApplications()
	bySID := defaultApp()
	bySID.ApplicationSID = "sid-app"
	apps.Add(bySID)
	realm := defaultApp()
	realm.ApplicationSID = "realm-app"
	apps.RouteRealm("Example.COM", realm)
	number := defaultApp()
	number.ApplicationSID = "number-app"
	apps.RouteNumber("+15559870000", number)

	cases := []struct {
		name string
		call InboundCall
		want string
	}{
		{"explicit sid", InboundCall{ApplicationSID: "sid-app", To: "15559870000"}, "sid-app"},
		{"registered user", InboundCall{OriginatingUser: "sip:alice@example.com;transport=tcp", To: "15559870000"}, "realm-app"},
		{"called number", InboundCall{To: "+15559870000"}, "number-app"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			app, err := apps.Lookup(context.Background(), tc.call)
			if err != nil {
				t.Fatalf("Lookup() error = %v", err)
			}
			if app.ApplicationSID != tc.want {
				t.Fatalf("ApplicationSID = %q, want %q", app.ApplicationSID, tc.want)
			}
		})
	}

	// A registered user from an unknown realm is not routed by number.
	_, err := apps.Lookup(context.Background(), InboundCall{OriginatingUser: "bob@other.org", To: "15559870000"})
	if !errors.Is(err, ErrNoApplication) {
		t.Fatalf("Lookup() error = %v, want ErrNoApplication", err)
	}

	apps.SetDefault(defaultApp())
	app, err := apps.Lookup(context.Background(), InboundCall{To: "1"})
	if err != nil || app.ApplicationSID != "app1" {
		t.Fatalf("Lookup() = %+v, %v, want default app", app, err)
	}
}
