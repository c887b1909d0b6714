package coordinator_test

import (
	"context"
	"testing"

	"github.com/ikoceski/planflow/pkg/coordinator"
	"github.com/ikoceski/planflow/pkg/models"
	"github.com/stretchr/testify/assert"
)

func TestCommandExecutor(t *testing.T) {
	ctx := context.Background()
	task := models.Task{ID: "t1", Name: "generate"}

	t.Run("parses the program's result", func(t *testing.T) {
		exec := &coordinator.CommandExecutor{
			Command: []string{"sh", "-c", `cat >/dev/null; echo '{"success":true,"changes":[{"path":"a.go","content":"ok"}]}'`},
		}
		res, err := exec.Execute(ctx, task, "w1")
		assert.NoError(t, err)
		assert.True(t, res.Success)
		assert.Len(t, res.Changes, 1)
		assert.Equal(t, "a.go", res.Changes[0].Path)
	})

	t.Run("non-zero exit is a reported failure", func(t *testing.T) {
		exec := &coordinator.CommandExecutor{
			Command: []string{"sh", "-c", `cat >/dev/null; echo "generator crashed" >&2; exit 1`},
		}
		res, err := exec.Execute(ctx, task, "w1")
		assert.NoError(t, err)
		assert.False(t, res.Success)
		assert.Contains(t, res.Error, "generator crashed")
	})

	t.Run("garbage output is an error", func(t *testing.T) {
		exec := &coordinator.CommandExecutor{
			Command: []string{"sh", "-c", `cat >/dev/null; echo "not json"`},
		}
		_, err := exec.Execute(ctx, task, "w1")
		assert.ErrorContains(t, err, "parse executor output")
	})

	t.Run("empty command is an error", func(t *testing.T) {
		exec := &coordinator.CommandExecutor{}
		_, err := exec.Execute(ctx, task, "w1")
		assert.ErrorContains(t, err, "no executor command configured")
	})
}
