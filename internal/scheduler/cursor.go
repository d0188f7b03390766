package scheduler

import (
	"context"
	"time"

	"github.com/me/gobridge/internal/task"
)

// cursor is the round-robin position within the best-effort read list. It
// lives as long as the Loop, so each pass resumes where the previous one
// stopped. The list may change size between cycles; index is always taken
// modulo the current length.
type cursor struct {
	index    int
	consumed int // tasks run since the last wraparound
}

// run executes best-effort tasks starting at the cursor until the deadline
// would be exceeded or every task ran once. With force set, the first task
// runs regardless of the deadline. Returns the number of tasks executed.
func (c *cursor) run(ctx context.Context, tasks []task.ReadTask, deadline time.Time, force bool,
	now func() time.Time, exec func(task.ReadTask)) int {
	if len(tasks) == 0 {
		c.index, c.consumed = 0, 0
		return 0
	}
	c.index %= len(tasks)

	count := 0
	for count < len(tasks) {
		if ctx.Err() != nil {
			break
		}
		next := tasks[c.index]
		if !force && !now().Add(task.EstimatedCost(next)).Before(deadline) {
			break
		}
		force = false

		exec(next)

		c.index = (c.index + 1) % len(tasks)
		c.consumed++
		if c.index == 0 {
			c.consumed = 0
		}
		count++
	}
	return count
}
