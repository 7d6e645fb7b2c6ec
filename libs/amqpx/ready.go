package amqpx

import (
	"context"
	"errors"
	"fmt"
)

func ReadyCheck(conn *Connection) func(context.Context) error {
	return func(context.Context) error {
		if conn == nil {
			return errors.New("amqp not configured")
		}
		if s := conn.State(); s != Open {
			return fmt.Errorf("connection %s", s)
		}
		return nil
	}
}
