package obs

import "testing"

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                                     "/",
		"/metrics":                             "/metrics",
		"/v1/auth/login":                       "/v1/auth/login",
		"/v1/organizations/org123":             "/v1/organizations/:id",
		"/v1/organizations/org123/members":     "/v1/organizations/:id/members",
		"/v1/organizations/org123/members/u1":  "/v1/organizations/:id/members/:id",
		"/v1/organizations/org123/roles":       "/v1/organizations/:id/roles",
		"/v1/organizations/org123/roles/r1":    "/v1/organizations/:id/roles/:id",
		"/v1/organizations/o/roles/r/assignments/u": "/v1/organizations/:id/roles/:id/assignments/:id",
		"/v1/users/u1": "/v1/users/:id",
		"/v1/organizations/org123?expand=true": "/v1/organizations/:id",
		"/v1/auth/refresh":                     "/v1/auth/refresh",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}
