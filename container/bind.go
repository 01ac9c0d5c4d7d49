package container

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/oakmesh/iris/ierr"
)

const (
	portRangeLow  = 35536
	portRangeHigh = 65536
)

// sharedSocketFDs parses IRIS_SHARED_SOCKET_FDS, a JSON object mapping a
// port string to an inherited file descriptor number — set by a parent
// process handing off listening sockets across a restart.
func sharedSocketFDs() map[string]int {
	raw := os.Getenv("IRIS_SHARED_SOCKET_FDS")
	if raw == "" {
		return nil
	}
	var fds map[string]int
	if err := json.Unmarshal([]byte(raw), &fds); err != nil {
		return nil
	}
	return fds
}

// adoptedEndpoint resolves the shared fd registered for port, returning
// the endpoint that fd is already bound to. The fd is wrapped with
// net.FileListener only to read its address and is then released; the
// container's actual bind still goes through the transport socket, so
// this is a best-effort reuse of the port rather than raw fd hand-off.
func adoptedEndpoint(port int) (string, error) {
	fds := sharedSocketFDs()
	if fds == nil {
		return "", ierr.ErrSocketNotCreated
	}
	fd, ok := fds[strconv.Itoa(port)]
	if !ok {
		return "", ierr.ErrSocketNotCreated
	}

	f := os.NewFile(uintptr(fd), fmt.Sprintf("shared-socket-%d", port))
	ln, err := net.FileListener(f)
	if err != nil {
		return "", fmt.Errorf("%w: adopt fd %d: %v", ierr.ErrSocketNotCreated, fd, err)
	}
	endpoint := ln.Addr().String()
	_ = ln.Close()
	return endpoint, nil
}

// bind creates the socket pair (delegated to the transport.Socket
// constructor by the caller), then binds recv_sock to the configured
// port or a random port in [35536, 65536). A failed bind is retried up
// to maxRetries times whatever the error was; once the retries are
// spent, the last error is returned wrapped as ierr.ErrAddressInUse. If
// IRIS_SHARED_SOCKET_FDS advertises the requested port, that endpoint is
// adopted instead of binding fresh; if the variable is set but the port
// is missing from it or its fd cannot be adopted, bind fails with
// ierr.ErrSocketNotCreated.
func (c *Container) bind(ctx context.Context, maxRetries int, retryDelay time.Duration) error {
	if c.bound {
		return fmt.Errorf("container already bound (endpoint=%s)", c.endpoint)
	}

	port := c.port
	if port != 0 {
		endpoint, err := adoptedEndpoint(port)
		if err == nil {
			identity := endpoint
			if err := c.sock.Bind(ctx, endpoint, identity); err != nil {
				return err
			}
			c.endpoint = endpoint
			c.port = port
			c.bound = true
			return nil
		}
		if sharedSocketFDs() != nil {
			return err
		}
	}

	retries := 0
	for {
		p := port
		if p == 0 {
			p = portRangeLow + rand.Intn(portRangeHigh-portRangeLow)
		}
		endpoint := fmt.Sprintf("tcp://%s:%d", c.ip, p)

		err := c.sock.Bind(ctx, endpoint, endpoint)
		if err == nil {
			c.endpoint = endpoint
			c.port = p
			c.bound = true
			return nil
		}
		if retries >= maxRetries {
			return fmt.Errorf("%w: %v", ierr.ErrAddressInUse, err)
		}
		c.logger.WithField("port", p).Info("failed to bind, retrying")
		retries++
		if retryDelay > 0 {
			select {
			case <-time.After(retryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}
