// Package service runs long-lived components side by side.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
)

type Service interface {
	Name() string
	Run(context.Context) error
}

// Func adapts a function to Service.
type Func struct {
	ServiceName string
	RunFunc     func(context.Context) error
}

func (f Func) Name() string { return f.ServiceName }
func (f Func) Run(ctx context.Context) error { return f.RunFunc(ctx) }

type Group []Service

// Run starts every service and returns once all have stopped. The first
// failure cancels the others; returning because the context ended is not
// a failure.
func (g Group) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg    sync.WaitGroup
		errCh = make(chan error, len(g))
	)

	wg.Add(len(g))
	for _, s := range g {
		go func(s Service) {
			defer wg.Done()
			if err := s.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("%s: %w", s.Name(), err)
			}
			cancel()
		}(s)
	}

	wg.Wait()
	close(errCh)

	var result *multierror.Error
	for err := range errCh {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}
