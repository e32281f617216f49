package featurekey

import "testing"

func TestNew(t *testing.T) {
	tests := []struct {
		name                       string
		project, category, feature string
		wantErr                    bool
	}{
		{"valid", "acme", "api", "checkout", false},
		{"empty project", "", "api", "checkout", true},
		{"empty category", "acme", "", "checkout", true},
		{"empty feature", "acme", "api", "", true},
		{"colon in component", "acme:prod", "api", "checkout", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.project, tt.category, tt.feature)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New(%q,%q,%q) error = %v, wantErr %v", tt.project, tt.category, tt.feature, err, tt.wantErr)
			}
		})
	}
}

func TestString(t *testing.T) {
	k, err := New("acme", "api", "checkout")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if got, want := k.String(), "acme:api:checkout"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    Key
		wantErr bool
	}{
		{"acme:api:checkout", Key{"acme", "api", "checkout"}, false},
		{"acme:api", Key{}, true},
		{"acme:api:checkout:extra", Key{}, true},
		{"acme::checkout", Key{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Parse(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Parse(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if err == nil && got != tt.want {
				t.Fatalf("Parse(%q) = %+v, want %+v", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseRoundTrip(t *testing.T) {
	k, err := New("acme", "api", "checkout")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	back, err := Parse(k.String())
	if err != nil {
		t.Fatalf("Parse(%q) error = %v", k.String(), err)
	}
	if back != k {
		t.Fatalf("round trip mismatch: %+v != %+v", back, k)
	}
}
