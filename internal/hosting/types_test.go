package hosting

import "testing"

func TestSiteKindHelpers(t *testing.T) {
	tests := []struct {
		name        string
		kind        string
		isContainer bool
		isWindows   bool
	}{
		{
			name:      "empty kind defaults to windows web app",
			kind:      "",
			isWindows: true,
		},
		{
			name:      "plain web app",
			kind:      "app",
			isWindows: true,
		},
		{
			name: "linux web app",
			kind: "app,linux",
		},
		{
			name:        "linux container",
			kind:        "app,linux,container",
			isContainer: true,
		},
		{
			name:        "windows container",
			kind:        "app,container,windows",
			isContainer: true,
			isWindows:   true,
		},
		{
			name:      "function app",
			kind:      "functionapp",
			isWindows: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			site := &Site{Kind: tt.kind}
			if got := site.IsContainer(); got != tt.isContainer {
				t.Errorf("IsContainer() = %v; want %v", got, tt.isContainer)
			}
			if got := site.IsWindows(); got != tt.isWindows {
				t.Errorf("IsWindows() = %v; want %v", got, tt.isWindows)
			}
		})
	}
}

func TestSiteHasHostName(t *testing.T) {
	site := &Site{
		HostNameBindings: []HostNameBinding{
			{HostName: "www.example.com"},
			{HostName: "shop.example.com"},
		},
	}

	if !site.HasHostName("www.example.com") {
		t.Error("HasHostName(www.example.com) = false; want true")
	}
	if !site.HasHostName("WWW.EXAMPLE.COM") {
		t.Error("hostname comparison should be case-insensitive")
	}
	if site.HasHostName("api.example.com") {
		t.Error("HasHostName(api.example.com) = true; want false")
	}
}
