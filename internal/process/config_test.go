package process

import (
	"errors"
	"slices"
	"testing"
	"time"
)

func TestBuild(t *testing.T) {
	tests := []struct {
		name      string
		argv      []string
		opts      Options
		wantErr   error
		wantField string
	}{
		{
			name: "minimal",
			argv: []string{"echo"},
		},
		{
			name: "all options",
			argv: []string{"sh", "-c", "true"},
			opts: Options{
				Timeout: time.Second,
				Dir:     "/tmp",
				Stdin:   RedirectDiscard,
				Stdout:  RedirectParent,
				Stderr:  RedirectStdout,
				Env:     map[string]string{"A": "1"},
			},
		},
		{
			name:      "nil argv",
			argv:      nil,
			wantErr:   ErrEmptyCommand,
			wantField: "argv",
		},
		{
			name:      "empty argv",
			argv:      []string{},
			wantErr:   ErrEmptyCommand,
			wantField: "argv",
		},
		{
			name:      "file redirect",
			argv:      []string{"cat"},
			opts:      Options{Stdout: RedirectFile},
			wantErr:   ErrUnsupportedRedirect,
			wantField: "stdout",
		},
		{
			name:      "path redirect",
			argv:      []string{"cat"},
			opts:      Options{Stdin: RedirectPath},
			wantErr:   ErrUnsupportedRedirect,
			wantField: "stdin",
		},
		{
			name:      "handle redirect",
			argv:      []string{"cat"},
			opts:      Options{Stderr: RedirectHandle},
			wantErr:   ErrUnsupportedRedirect,
			wantField: "stderr",
		},
		{
			name:      "unknown redirect",
			argv:      []string{"cat"},
			opts:      Options{Stdout: Redirect(42)},
			wantErr:   ErrUnsupportedRedirect,
			wantField: "stdout",
		},
		{
			name:      "stdout merge on stdout",
			argv:      []string{"cat"},
			opts:      Options{Stdout: RedirectStdout},
			wantErr:   ErrUnsupportedRedirect,
			wantField: "stdout",
		},
		{
			name:      "NUL in argument",
			argv:      []string{"echo", "a\x00b"},
			wantErr:   ErrInvalidArgument,
			wantField: "argv[1]",
		},
		{
			name:      "negative timeout",
			argv:      []string{"echo"},
			opts:      Options{Timeout: -time.Second},
			wantErr:   ErrInvalidTimeout,
			wantField: "timeout",
		},
		{
			name:      "empty env key",
			argv:      []string{"echo"},
			opts:      Options{Env: map[string]string{"": "x"}},
			wantErr:   ErrInvalidEnv,
			wantField: "env",
		},
		{
			name:      "env key with equals",
			argv:      []string{"echo"},
			opts:      Options{Env: map[string]string{"A=B": "x"}},
			wantErr:   ErrInvalidEnv,
			wantField: "env",
		},
		{
			name:      "env value with NUL",
			argv:      []string{"echo"},
			opts:      Options{Env: map[string]string{"A": "x\x00"}},
			wantErr:   ErrInvalidEnv,
			wantField: "env",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Build(tt.argv, tt.opts)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("Build error = %v", err)
				}
				if !slices.Equal(cfg.Argv(), tt.argv) {
					t.Errorf("Argv() = %v, want %v", cfg.Argv(), tt.argv)
				}
				return
			}

			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected *ValidationError, got %T", err)
			}
			if verr.Field != tt.wantField {
				t.Errorf("Field = %q, want %q", verr.Field, tt.wantField)
			}
		})
	}
}

func TestBuild_Normalized(t *testing.T) {
	argv := []string{"env", "-0"}
	cfg, err := Build(argv, Options{
		Timeout: 2 * time.Second,
		Dir:     "/var",
		Stderr:  RedirectDiscard,
		Env:     map[string]string{"ZED": "z", "ALPHA": "a=b", "MID": ""},
	})
	if err != nil {
		t.Fatalf("Build error = %v", err)
	}

	// The config must not alias the caller's slice.
	argv[0] = "changed"
	if cfg.Argv()[0] != "env" {
		t.Errorf("Argv()[0] = %q, want %q", cfg.Argv()[0], "env")
	}

	wantEnv := []string{"ALPHA=a=b", "MID=", "ZED=z"}
	if !slices.Equal(cfg.Env(), wantEnv) {
		t.Errorf("Env() = %v, want %v", cfg.Env(), wantEnv)
	}
	if cfg.Dir() != "/var" {
		t.Errorf("Dir() = %q, want %q", cfg.Dir(), "/var")
	}
	if cfg.Deadline() != 2*time.Second {
		t.Errorf("Deadline() = %v, want 2s", cfg.Deadline())
	}
	if cfg.Redirect(StreamIn) != RedirectDefault {
		t.Errorf("Redirect(stdin) = %v, want default", cfg.Redirect(StreamIn))
	}
	if cfg.Redirect(StreamErr) != RedirectDiscard {
		t.Errorf("Redirect(stderr) = %v, want discard", cfg.Redirect(StreamErr))
	}
}

func TestBuild_EmptyEnv(t *testing.T) {
	cfg, err := Build([]string{"true"}, Options{Env: map[string]string{}})
	if err != nil {
		t.Fatalf("Build error = %v", err)
	}
	if cfg.Env() != nil {
		t.Errorf("Env() = %v, want nil", cfg.Env())
	}
}

func TestStreamString(t *testing.T) {
	tests := []struct {
		stream Stream
		want   string
	}{
		{StreamIn, "stdin"},
		{StreamOut, "stdout"},
		{StreamErr, "stderr"},
		{Stream(7), "stream(7)"},
	}

	for _, tt := range tests {
		if got := tt.stream.String(); got != tt.want {
			t.Errorf("Stream(%d).String() = %q, want %q", int(tt.stream), got, tt.want)
		}
	}
}
