// Copyright 2025 James Ross
package instance

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"
)

// healthProbeRounds bounds how many probe-all-ports passes ProbeHealth
// runs per invocation, each separated by a short backoff, before handing
// an inconclusive result back to the caller for the next job retry
// (spec.md §4.4 "retried with a small backoff up to a deadline").
const healthProbeRounds = 3

var httpProbeClient = &http.Client{}

// probePorts evaluates every declared port against host, retrying the
// full set up to healthProbeRounds times with interval backoff between
// rounds unless the first round is already healthy.
func probePorts(ctx context.Context, host string, ports []Port, timeout, interval time.Duration) HealthCheckResult {
	if len(ports) == 0 {
		return HealthCheckResult{OverallStatus: "healthy"}
	}
	var result HealthCheckResult
	for round := 0; round < healthProbeRounds; round++ {
		result = probeOnce(ctx, host, ports, timeout)
		if result.OverallStatus == "healthy" || round == healthProbeRounds-1 {
			break
		}
		select {
		case <-ctx.Done():
			return result
		case <-time.After(interval):
		}
	}
	return result
}

// probeOnce issues one http GET or tcp connect per port and classifies
// the aggregate outcome per spec.md §4.4: healthy iff every port passes,
// unhealthy iff every port fails, partial otherwise.
func probeOnce(ctx context.Context, host string, ports []Port, timeout time.Duration) HealthCheckResult {
	endpoints := make([]EndpointHealth, len(ports))
	healthy, unhealthy := 0, 0
	for i, p := range ports {
		eh := probePort(ctx, host, p, timeout)
		endpoints[i] = eh
		if eh.Status == "healthy" {
			healthy++
		} else {
			unhealthy++
		}
	}
	overall := "unhealthy"
	switch {
	case unhealthy == 0:
		overall = "healthy"
	case healthy > 0:
		overall = "partial"
	}
	return HealthCheckResult{OverallStatus: overall, Endpoints: endpoints}
}

func probePort(ctx context.Context, host string, p Port, timeout time.Duration) EndpointHealth {
	start := time.Now()
	eh := EndpointHealth{Port: p.Port, Path: p.Path, Type: p.Type, LastChecked: start}

	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := probe(pctx, host, p)
	eh.ResponseTime = time.Since(start)
	if err != nil {
		eh.Status = "unhealthy"
		eh.Error = err.Error()
	} else {
		eh.Status = "healthy"
	}
	return eh
}

func probe(ctx context.Context, host string, p Port) error {
	if p.Type == "tcp" {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(p.Port)))
		if err != nil {
			return err
		}
		return conn.Close()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpointURL(host, p), nil)
	if err != nil {
		return err
	}
	resp, err := httpProbeClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("http %d", resp.StatusCode)
	}
	return nil
}
