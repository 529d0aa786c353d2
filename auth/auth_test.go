package auth

import (
	"sort"
	"testing"
)

// mockClientMechanism is a test helper implementing ClientMechanism.
type mockClientMechanism struct {
	name string
}

func (m *mockClientMechanism) Name() string                          { return m.name }
func (m *mockClientMechanism) Start() ([]byte, error)                { return []byte("initial"), nil }
func (m *mockClientMechanism) Next(challenge []byte) ([]byte, error) { return nil, nil }

// --- Registry Tests ---

func TestNewRegistry(t *testing.T) {
	r := NewRegistry()
	if r == nil {
		t.Fatal("NewRegistry returned nil")
	}
	if len(r.clientFactories) != 0 {
		t.Errorf("expected empty clientFactories, got %d entries", len(r.clientFactories))
	}
}

func TestRegistryRegisterClient(t *testing.T) {
	r := NewRegistry()
	r.RegisterClient("TEST", func() ClientMechanism {
		return &mockClientMechanism{name: "TEST"}
	})

	mechs := r.ClientMechanisms()
	if len(mechs) != 1 {
		t.Fatalf("expected 1 client mechanism, got %d", len(mechs))
	}
	if mechs[0] != "TEST" {
		t.Errorf("expected mechanism name TEST, got %s", mechs[0])
	}
}

func TestRegistryRegisterClientCaseInsensitive(t *testing.T) {
	r := NewRegistry()
	r.RegisterClient("lowercase", func() ClientMechanism {
		return &mockClientMechanism{name: "LOWERCASE"}
	})

	mech, err := r.NewClientMechanism("LOWERCASE")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mech.Name() != "LOWERCASE" {
		t.Errorf("expected mechanism name LOWERCASE, got %s", mech.Name())
	}

	// Should also work with mixed case
	mech2, err := r.NewClientMechanism("Lowercase")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mech2.Name() != "LOWERCASE" {
		t.Errorf("expected mechanism name LOWERCASE, got %s", mech2.Name())
	}
}

func TestRegistryNewClientMechanismNotFound(t *testing.T) {
	r := NewRegistry()
	_, err := r.NewClientMechanism("NONEXISTENT")
	if err == nil {
		t.Fatal("expected error for nonexistent mechanism, got nil")
	}
	expected := `auth: unsupported client mechanism "NONEXISTENT"`
	if err.Error() != expected {
		t.Errorf("expected error %q, got %q", expected, err.Error())
	}
}

func TestRegistryNewClientMechanism(t *testing.T) {
	r := NewRegistry()
	r.RegisterClient("MOCK", func() ClientMechanism {
		return &mockClientMechanism{name: "MOCK"}
	})

	mech, err := r.NewClientMechanism("MOCK")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mech == nil {
		t.Fatal("NewClientMechanism returned nil")
	}
	if mech.Name() != "MOCK" {
		t.Errorf("expected name MOCK, got %s", mech.Name())
	}
	ir, err := mech.Start()
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if string(ir) != "initial" {
		t.Errorf("expected initial response 'initial', got %q", string(ir))
	}
}

func TestRegistryClientMechanismsEmpty(t *testing.T) {
	r := NewRegistry()
	mechs := r.ClientMechanisms()
	if len(mechs) != 0 {
		t.Errorf("expected 0 client mechanisms, got %d", len(mechs))
	}
}

func TestRegistryMultipleClientMechanisms(t *testing.T) {
	r := NewRegistry()
	names := []string{"ALPHA", "BETA", "GAMMA"}
	for _, name := range names {
		n := name
		r.RegisterClient(n, func() ClientMechanism {
			return &mockClientMechanism{name: n}
		})
	}

	mechs := r.ClientMechanisms()
	sort.Strings(mechs)
	sort.Strings(names)

	if len(mechs) != len(names) {
		t.Fatalf("expected %d mechanisms, got %d", len(names), len(mechs))
	}
	for i, name := range names {
		if mechs[i] != name {
			t.Errorf("expected mechanism %s at index %d, got %s", name, i, mechs[i])
		}
	}
}

func TestRegistryOverwriteClient(t *testing.T) {
	r := NewRegistry()
	r.RegisterClient("TEST", func() ClientMechanism {
		return &mockClientMechanism{name: "OLD"}
	})
	r.RegisterClient("TEST", func() ClientMechanism {
		return &mockClientMechanism{name: "NEW"}
	})

	mech, err := r.NewClientMechanism("TEST")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mech.Name() != "NEW" {
		t.Errorf("expected overwritten mechanism name NEW, got %s", mech.Name())
	}

	mechs := r.ClientMechanisms()
	if len(mechs) != 1 {
		t.Errorf("expected 1 mechanism after overwrite, got %d", len(mechs))
	}
}

func TestDefaultRegistryExists(t *testing.T) {
	if DefaultRegistry == nil {
		t.Fatal("DefaultRegistry is nil")
	}
}

// --- Interface compliance tests ---

func TestMockClientMechanismImplementsInterface(t *testing.T) {
	var _ ClientMechanism = &mockClientMechanism{}
}
