package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"

	"github.com/pkg/errors"

	"github.com/ikoceski/planflow/pkg/models"
)

// CommandExecutor delegates task execution to an external program. The task
// is written to the program's stdin as JSON and the program is expected to
// print a TaskResult as JSON on stdout. A non-zero exit is a failure with
// stderr as the message.
type CommandExecutor struct {
	// Command is the program and its fixed arguments. The worker ID and the
	// task ID are appended as the final two arguments.
	Command []string
}

type commandInput struct {
	Task     models.Task `json:"task"`
	WorkerID string      `json:"worker_id"`
}

func (e *CommandExecutor) Execute(ctx context.Context, task models.Task, workerID string) (TaskResult, error) {
	if len(e.Command) == 0 {
		return TaskResult{}, errors.New("no executor command configured")
	}

	input, err := json.Marshal(commandInput{Task: task, WorkerID: workerID})
	if err != nil {
		return TaskResult{}, errors.Wrap(err, "marshal executor input")
	}

	args := append(append([]string{}, e.Command[1:]...), workerID, task.ID)
	cmd := exec.CommandContext(ctx, e.Command[0], args...)
	cmd.Stdin = bytes.NewReader(input)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := stderr.String()
		if msg == "" {
			msg = err.Error()
		}
		return TaskResult{Success: false, Error: msg}, nil
	}

	var res TaskResult
	if err := json.Unmarshal(stdout.Bytes(), &res); err != nil {
		return TaskResult{}, errors.Wrap(err, "parse executor output")
	}
	return res, nil
}
