package main

import (
	"bytes"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BuzzLyutic/task-sync/internal/model"
)

func TestParsePriority(t *testing.T) {
	tests := []struct {
		in      string
		want    model.Priority
		wantErr bool
	}{
		{"low", model.PriorityLow, false},
		{" High ", model.PriorityHigh, false},
		{"2", model.PriorityMedium, false},
		{"urgent", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parsePriority(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTaskFlags_OnlyChangedFieldsApply(t *testing.T) {
	var f taskFlags
	cmd := &cobra.Command{Use: "update"}
	f.register(cmd)
	require.NoError(t, cmd.Flags().Parse([]string{"--completed", "--due", "2024-05-01"}))

	task := model.Task{ID: 3, Title: "keep", Priority: model.PriorityHigh}
	require.NoError(t, f.apply(cmd, &task))

	assert.Equal(t, "keep", task.Title)
	assert.Equal(t, model.PriorityHigh, task.Priority)
	assert.True(t, task.Completed)
	assert.Equal(t, model.NewDate(2024, 5, 1), task.DueDate)
}

func TestPrintTasks_MarksPending(t *testing.T) {
	var buf bytes.Buffer
	printTasks(&buf, []model.Task{
		{ID: -1, Title: "offline", Priority: model.PriorityLow, Pending: true},
		{ID: 7, Title: "Buy milk", Priority: model.PriorityMedium, Completed: true},
	})

	out := buf.String()
	assert.Contains(t, out, "offline *")
	assert.Contains(t, out, "Buy milk")
	assert.Contains(t, out, "medium")
}

func TestRootCmd_HasCommands(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"register", "login", "logout", "list", "add", "update", "complete", "delete", "sync", "status", "watch"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err)
		assert.Equal(t, name, cmd.Name())
	}
}
