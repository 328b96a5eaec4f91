package main

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/spf13/cobra"

	"payflow/client"
	"payflow/poller"
)

// ErrWatchTimedOut is returned when the payment is still pending at the
// deadline.
var ErrWatchTimedOut = errors.New("watch: payment still pending at deadline")

func (app *application) watchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch <payment-id>",
		Short: "Poll a payflow server until the payment leaves pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.watch(cmd, args[0])
		},
	}
	cmd.Flags().String("base-url", "", "payflow server base URL")
	addPollFlags(cmd)
	return cmd
}

type watchResult struct {
	state    string
	timedOut bool
}

func (app *application) watch(cmd *cobra.Command, paymentID string) error {
	ctx := cmd.Context()
	c, err := client.New(app.cfg.Client.BaseURL,
		client.WithTimeout(app.cfg.Client.RequestTimeout),
		client.WithLogger(app.logger.Named("client")),
	)
	if err != nil {
		return err
	}

	current, err := c.GetPayment(ctx, paymentID)
	if err != nil {
		return err
	}
	if current.Status.Terminal() {
		_, err = fmt.Fprintf(app.stdout, "payment %s: %s\n", paymentID, current.Status)
		return err
	}

	policy := app.cfg.Poll.Policy()
	results := make(chan watchResult, 1)
	resolver := poller.NewResolver(
		poller.WithLogger(app.logger.Named("poller")),
		poller.WithObserver(&progressPrinter{out: app.stderr}),
	)
	err = resolver.Start(poller.Request{
		Token: paymentID,
		Check: c.Checker(),
		OnResolved: func(_ string, state string) {
			results <- watchResult{state: state}
		},
		OnTimeout: func(string) {
			results <- watchResult{timedOut: true}
		},
		Policy: policy,
	})
	if err != nil {
		return err
	}

	select {
	case result := <-results:
		if result.timedOut {
			return fmt.Errorf("%w: %s", ErrWatchTimedOut, paymentID)
		}
		_, err = fmt.Fprintf(app.stdout, "payment %s: %s\n", paymentID, result.state)
		return err
	case <-ctx.Done():
		resolver.Stop()
		return ctx.Err()
	}
}

// progressPrinter reports check failures on stderr while watching.
type progressPrinter struct {
	poller.NopObserver
	mu  sync.Mutex
	out io.Writer
}

func (p *progressPrinter) CheckFailed(token string, attempt int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, "attempt %d for %s failed: %v\n", attempt, token, err)
}

func (p *progressPrinter) SessionStarted(token string, policy poller.Policy) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, "watching %s every %s for up to %s\n", token, policy.Interval, policy.Timeout)
}
