package credential

import "testing"

func TestMockBrokerIsStable(t *testing.T) {
	b := NewMockBroker()

	v1, err := b.Get("github")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	v2, err := b.Get("github")
	if err != nil {
		t.Fatal(err)
	}
	if v1 != v2 {
		t.Errorf("Get() returned %q then %q, want stable value", v1, v2)
	}

	other, _ := b.Get("aws")
	if other == v1 {
		t.Error("different credentials share a value")
	}
}
