package usage

import "testing"

func TestBundleAdd(t *testing.T) {
	a := Bundle{ResourceRelationalWrites: 3, ResourceCacheReads: 1}
	b := Bundle{ResourceRelationalWrites: 2, ResourceCPUMs: 10}

	got := a.Add(b)

	if got[ResourceRelationalWrites] != 5 {
		t.Fatalf("relational-writes = %d, want 5", got[ResourceRelationalWrites])
	}
	if got[ResourceCacheReads] != 1 {
		t.Fatalf("cache-reads = %d, want 1", got[ResourceCacheReads])
	}
	if got[ResourceCPUMs] != 10 {
		t.Fatalf("cpu-ms = %d, want 10", got[ResourceCPUMs])
	}
}

func TestBundleAddAssociative(t *testing.T) {
	a := Bundle{ResourceRelationalWrites: 3}
	b := Bundle{ResourceRelationalWrites: 2}
	c := Bundle{ResourceRelationalWrites: 1}

	left := a.Add(b).Add(c)
	right := a.Add(b.Add(c))

	if left[ResourceRelationalWrites] != right[ResourceRelationalWrites] {
		t.Fatalf("addition not associative: %d != %d", left[ResourceRelationalWrites], right[ResourceRelationalWrites])
	}
}

func TestBundleValidate(t *testing.T) {
	if err := (Bundle{ResourceCPUMs: 5}).Validate(); err != nil {
		t.Fatalf("Validate() error = %v, want nil", err)
	}
	if err := (Bundle{ResourceCPUMs: -1}).Validate(); err == nil {
		t.Fatal("Validate() = nil, want error for negative value")
	}
}

func TestMessageValidate(t *testing.T) {
	tests := []struct {
		name    string
		msg     Message
		wantErr bool
	}{
		{
			name: "valid",
			msg: Message{
				FeatureKey: "acme:api:checkout",
				Project:    "acme", Category: "api", Feature: "checkout",
				Metrics: Bundle{ResourceCPUMs: 5},
			},
			wantErr: false,
		},
		{
			name: "mismatched feature key",
			msg: Message{
				FeatureKey: "acme:api:wrong",
				Project:    "acme", Category: "api", Feature: "checkout",
			},
			wantErr: true,
		},
		{
			name: "negative metric",
			msg: Message{
				FeatureKey: "acme:api:checkout",
				Project:    "acme", Category: "api", Feature: "checkout",
				Metrics: Bundle{ResourceCPUMs: -1},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.msg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
