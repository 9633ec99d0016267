package cartpole

import (
	"math"
	"math/rand"
	"testing"
)

func TestReset(t *testing.T) {
	env := NewEnv(rand.New(rand.NewSource(1)))
	obs, err := env.Reset()
	if err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if len(obs) != env.ObservationSize() {
		t.Fatalf("Expected %d observations, got %d", env.ObservationSize(), len(obs))
	}
	for i, v := range obs {
		if v < -0.05 || v > 0.05 {
			t.Errorf("obs[%d] = %v outside [-0.05, 0.05]", i, v)
		}
	}
	if env.Steps != 0 {
		t.Errorf("Expected step counter reset, got %d", env.Steps)
	}
}

func TestStep(t *testing.T) {
	t.Run("rejects bad actions", func(t *testing.T) {
		env := NewEnv(rand.New(rand.NewSource(1)))
		if _, _, _, err := env.Step([]float64{0, 1}); err == nil {
			t.Error("Expected error for 2-d action")
		}
		if _, _, _, err := env.Step([]float64{math.NaN()}); err == nil {
			t.Error("Expected error for NaN action")
		}
	})

	t.Run("push moves the cart", func(t *testing.T) {
		env := NewEnv(rand.New(rand.NewSource(1)))
		env.State = State{}
		next, reward, done, err := env.Step([]float64{1})
		if err != nil {
			t.Fatalf("Step failed: %v", err)
		}
		if next[1] <= 0 {
			t.Errorf("Expected positive cart velocity after right push, got %v", next[1])
		}
		if next[3] >= 0 {
			t.Errorf("Expected pole to tip left after right push, got theta_dot %v", next[3])
		}
		if reward != 1 || done {
			t.Errorf("Expected reward 1 and not done, got %v %v", reward, done)
		}
	})

	t.Run("actions are clipped", func(t *testing.T) {
		a := NewEnv(rand.New(rand.NewSource(1)))
		b := NewEnv(rand.New(rand.NewSource(1)))
		a.State, b.State = State{}, State{}
		na, _, _, _ := a.Step([]float64{1})
		nb, _, _, _ := b.Step([]float64{25})
		for i := range na {
			if na[i] != nb[i] {
				t.Errorf("obs[%d]: clipped %v != unclipped %v", i, na[i], nb[i])
			}
		}
	})

	t.Run("falls over without control", func(t *testing.T) {
		env := NewEnv(rand.New(rand.NewSource(1)))
		env.State = State{Theta: 0.1}
		var done bool
		var reward float64
		for i := 0; i < 500 && !done; i++ {
			var err error
			_, reward, done, err = env.Step([]float64{0})
			if err != nil {
				t.Fatalf("Step failed: %v", err)
			}
		}
		if !done {
			t.Fatal("Expected the pole to fall")
		}
		if reward != 1 {
			t.Errorf("Expected reward 1 on the failing step, got %v", reward)
		}
	})

	t.Run("trial return counts every step", func(t *testing.T) {
		env := NewEnv(rand.New(rand.NewSource(1)))
		env.State = State{Theta: 0.15}
		var total float64
		var steps int
		for done := false; !done && steps < 500; steps++ {
			_, reward, d, err := env.Step([]float64{0})
			if err != nil {
				t.Fatalf("Step failed: %v", err)
			}
			total += reward
			done = d
		}
		if total != float64(steps) {
			t.Errorf("Expected return %d over %d steps, got %v", steps, steps, total)
		}
	})
}

func TestReward(t *testing.T) {
	if got := Reward(nil, []float64{0, 0, 0, 0}); got != 1 {
		t.Errorf("Reward(upright) = %v, want 1", got)
	}
	if got := Reward(nil, []float64{0, 0, 0.3, 0}); got != 0 {
		t.Errorf("Reward(fallen) = %v, want 0", got)
	}
}

func TestActionBounds(t *testing.T) {
	lower, upper := ActionBounds()
	if len(lower) != 1 || lower[0] != -1 || upper[0] != 1 {
		t.Errorf("ActionBounds() = %v, %v, want [-1], [1]", lower, upper)
	}
	if ObservationSize() != 4 {
		t.Errorf("ObservationSize() = %d, want 4", ObservationSize())
	}
}

func TestTerminated(t *testing.T) {
	tests := []struct {
		name string
		obs  []float64
		want bool
	}{
		{"upright", []float64{0, 0, 0, 0}, false},
		{"cart right", []float64{2.5, 0, 0, 0}, true},
		{"cart left", []float64{-2.5, 0, 0, 0}, true},
		{"pole tipped", []float64{0, 0, 0.3, 0}, true},
		{"near edge", []float64{2.39, 0, 0.2, 0}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Terminated(nil, tt.obs); got != tt.want {
				t.Errorf("Terminated(%v) = %v, want %v", tt.obs, got, tt.want)
			}
		})
	}
}
