package rpcclient

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Op is the caller-supplied unit of work Execute leases a Client for.
// Callers build their generated stub on top of client and invoke it.
type Op[R any] func(ctx context.Context, client Client) (R, error)

// Execute runs op against an instance of serviceName chosen by the
// Manager's balancer.Strategy, leasing a pooled channel for the attempt
// and retrying with bounded exponential backoff on whitelisted transport
// errors. affinityKey is passed through to the strategy unchanged; only
// consistent-hash strategies use it. Each attempt's op call is bounded by
// the Manager's OperationTimeout (not the total retry budget); the overall
// wall-clock bound for one Execute call is maxAttempts*OperationTimeout +
// the sum of the backoff delays between attempts, per spec.md §5's
// Timeouts section.
//
// Grounded on spec.md §5.2's discover-select-lease-invoke-record
// algorithm; the retry/backoff shape follows frpc/client.go's dial-level
// retrying in spirit, reimplemented against the spec's exact formula
// rather than frpc's fixed-interval retry.
func Execute[R any](ctx context.Context, m *Manager, serviceName, affinityKey string, op Op[R]) (R, error) {
	var zero R

	for attempt := 0; attempt < m.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, newExecuteError(KindCancelled, err)
		}

		instances, err := m.registryFacade.Discover(ctx, serviceName)
		if err != nil {
			// RegistryIO is treated as TransportRetryable for retry
			// purposes, per spec.md §7 item 5.
			if attempt == m.maxAttempts-1 {
				return zero, newExecuteError(KindRegistryIO, err)
			}
			m.sleepBackoff(ctx, attempt)
			continue
		}

		picked, err := m.strategy.Select(serviceName, instances, affinityKey)
		if err != nil {
			return zero, newExecuteError(KindNoAvailableInstance, err)
		}

		pool := m.poolFor(*picked)
		wrapper, err := pool.Rent(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return zero, newExecuteError(KindCancelled, err)
			}
			m.strategy.RecordFailure(picked.ServiceID, err)
			if !isRetryable(err) {
				return zero, newExecuteError(KindTransportTerminal, err)
			}
			if attempt == m.maxAttempts-1 {
				return zero, newExecuteError(KindTransportRetryable, err)
			}
			m.sleepBackoff(ctx, attempt)
			continue
		}

		opCtx, opCancel := context.WithTimeout(ctx, m.operationTimeout)
		result, callErr := op(opCtx, wrapper.Client())
		opCancel()
		if callErr == nil {
			pool.Return(wrapper)
			m.strategy.RecordSuccess(picked.ServiceID)
			return result, nil
		}

		pool.Discard(wrapper)
		m.strategy.RecordFailure(picked.ServiceID, callErr)

		if ctx.Err() != nil {
			return zero, newExecuteError(KindCancelled, callErr)
		}
		if !isRetryable(callErr) {
			return zero, newExecuteError(KindTransportTerminal, callErr)
		}
		if attempt == m.maxAttempts-1 {
			return zero, newExecuteError(KindTransportRetryable, callErr)
		}

		m.log.Debug("rpcclient: retrying after transport error",
			zap.String("service_name", serviceName),
			zap.String("service_id", picked.ServiceID),
			zap.Int("attempt", attempt),
			zap.Error(callErr))
		m.sleepBackoff(ctx, attempt)
	}

	return zero, newExecuteError(KindTransportRetryable, fmt.Errorf("rpcclient: exhausted %d attempts", m.maxAttempts))
}

func (m *Manager) sleepBackoff(ctx context.Context, attempt int) {
	d := m.backoff.Delay(attempt)
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
