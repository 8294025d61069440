package db

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/lib/pq"
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"serialization failure", &pq.Error{Code: "40001"}, true},
		{"deadlock", fmt.Errorf("claim: %w", &pq.Error{Code: "40P01"}), true},
		{"unique violation", &pq.Error{Code: "23505"}, false},
		{"plain error", errors.New("connection reset"), false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isRetryable(tt.err); got != tt.want {
				t.Errorf("isRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMigrationSource(t *testing.T) {
	migrations, err := migrationSource().FindMigrations()
	if err != nil {
		t.Fatalf("FindMigrations failed: %v", err)
	}
	if len(migrations) == 0 {
		t.Fatal("expected embedded migrations")
	}
	for i := 1; i < len(migrations); i++ {
		if !migrations[i-1].Less(migrations[i]) {
			t.Errorf("migrations out of order: %s before %s", migrations[i-1].Id, migrations[i].Id)
		}
	}

	first := migrations[0]
	if len(first.Down) == 0 {
		t.Errorf("expected %s to have down statements", first.Id)
	}
	up := strings.Join(first.Up, "\n")
	for _, table := range []string{"scripts", "chapters", "render_queue"} {
		if !strings.Contains(up, "CREATE TABLE IF NOT EXISTS "+table) {
			t.Errorf("expected first migration to create %s", table)
		}
	}
}
