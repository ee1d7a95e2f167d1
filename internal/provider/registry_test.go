package provider_test

import (
	"errors"
	"testing"

	"modelgate/internal/models"
	"modelgate/internal/provider"
	"modelgate/internal/provider/providertest"
)

func TestRegistryOrder(t *testing.T) {
	reg := provider.NewRegistry()
	for _, name := range []string{"ollama", "openrouter", "llamacpp"} {
		if err := reg.Register(providertest.New(name, models.KindLocalDaemon)); err != nil {
			t.Fatalf("Register(%s): %v", name, err)
		}
	}

	if err := reg.Register(providertest.New("ollama", models.KindLocalDaemon)); !errors.Is(err, provider.ErrDuplicateBackend) {
		t.Fatalf("duplicate register err = %v", err)
	}

	if err := reg.SetPriority([]string{"llamacpp", "ollama"}); err != nil {
		t.Fatalf("SetPriority: %v", err)
	}
	var names []string
	for _, b := range reg.Ordered() {
		names = append(names, b.Name())
	}
	want := []string{"llamacpp", "ollama", "openrouter"}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("order = %v, want %v", names, want)
		}
	}

	if err := reg.SetPriority([]string{"missing"}); !errors.Is(err, provider.ErrUnknownBackend) {
		t.Fatalf("unknown priority err = %v", err)
	}
	if _, err := reg.Lookup("nope"); !errors.Is(err, provider.ErrUnknownBackend) {
		t.Fatalf("lookup err = %v", err)
	}
	if reg.Len() != 3 {
		t.Fatalf("len = %d", reg.Len())
	}
}
