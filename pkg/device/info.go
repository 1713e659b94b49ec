package device

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/sync/errgroup"
)

var propertyLine = regexp.MustCompile(`^\[([^\]]+)\]:\s*\[(.*)\]\s*$`)

// parseProperties parses the output of getprop, one "[name]: [value]"
// per line.
func parseProperties(out []byte) map[string]string {
	props := map[string]string{}
	s := bufio.NewScanner(bytes.NewReader(out))
	for s.Scan() {
		m := propertyLine.FindStringSubmatch(strings.TrimRight(s.Text(), "\r"))
		if m == nil {
			continue
		}
		props[m[1]] = m[2]
	}
	return props
}

var mountPoints = []string{MountExternalStorage, MountRoot, MountData}

// queryInfo loads the properties and mount points of an online device.
func (r *Registry) queryInfo(ctx context.Context, d *Device) error {
	g, gctx := errgroup.WithContext(ctx)

	var props map[string]string
	g.Go(func() error {
		out, err := r.cfg.Adb.Shell(gctx, d.serial, "getprop")
		if err != nil {
			return fmt.Errorf("getprop: %w", err)
		}
		props = parseProperties(out)
		return nil
	})
	mounts := make([]string, len(mountPoints))
	for i, name := range mountPoints {
		i, name := i, name
		g.Go(func() error {
			out, err := r.cfg.Adb.Shell(gctx, d.serial, "echo $"+name)
			if err != nil {
				return fmt.Errorf("mount point %s: %w", name, err)
			}
			mounts[i] = strings.TrimSpace(string(out))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.properties = props
	for i, name := range mountPoints {
		if mounts[i] != "" {
			d.mounts[name] = mounts[i]
		}
	}
	return nil
}
