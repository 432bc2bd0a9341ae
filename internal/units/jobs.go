package units

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"audiotasks/internal/task"
	"audiotasks/internal/task/scheduler"
	logx "audiotasks/pkg/logx"
)

const settleTimeout = 10 * time.Second

// Jobs returns the unit jobs:
//
//	unit.restart  args: unit (required), user ("true" for the user manager)
//
// A unit that is not loaded fails without retry.
func Jobs(log logx.Logger, connect Connector) scheduler.Registry {
	if connect == nil {
		connect = Connect
	}
	return scheduler.Registry{
		"unit.restart": func(ctx context.Context, args map[string]string) error {
			unit := strings.TrimSpace(args["unit"])
			if unit == "" {
				return task.NoRetry(fmt.Errorf("unit.restart: unit is required"))
			}
			user, _ := strconv.ParseBool(args["user"])

			c, err := connect(ctx, user)
			if err != nil {
				return err
			}
			defer c.Close()

			st, err := c.Status(ctx, unit)
			if err != nil {
				return err
			}
			if st.LoadState == "not-found" {
				return task.NoRetry(fmt.Errorf("unit %s not found", st.Name))
			}
			if err := c.Restart(ctx, unit); err != nil {
				return err
			}
			sctx, cancel := context.WithTimeout(ctx, settleTimeout)
			defer cancel()
			if st, err = c.Status(sctx, unit); err != nil {
				return err
			}
			if st.Active != "active" {
				return fmt.Errorf("unit %s is %s/%s after restart", st.Name, st.Active, st.SubState)
			}
			log.Info("unit restarted", logx.String("unit", st.Name), logx.Bool("user", user))
			return nil
		},
	}
}
