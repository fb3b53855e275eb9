package rcboard

import (
	"context"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.bug.st/serial/enumerator"
	"go.viam.com/rdk/components/generic"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/services/discovery"
	"go.viam.com/utils"

	"rcboard/driver"
	"rcboard/driver/remote"
)

// LocalPrefix starts every local endpoint name.
const LocalPrefix = "/rcboard"

// LocalEndpoint derives the local endpoint name from a remote path. The last
// path segment is kept so that sessions with different remotes do not collide.
// /robot/left_arm -> /rcboard/left_arm
func LocalEndpoint(remotePath string) string {
	seg := path.Base(strings.TrimRight(remotePath, "/"))
	if seg == "." || seg == "/" || seg == "" {
		return LocalPrefix
	}
	return LocalPrefix + "/" + seg
}

var DiscoveryModel = resource.NewModel("devrel", "rcboard", "discovery")

func init() {
	resource.RegisterService(
		discovery.API,
		DiscoveryModel,
		resource.Registration[discovery.Service, *DiscoveryConfig]{
			Constructor: newDiscovery,
		})
}

// DiscoveryConfig is the configuration for the discovery service
type DiscoveryConfig struct {
	// Remote path the probed boards are expected to serve (default "/board")
	Remote   string `json:"remote,omitempty"`
	Baudrate int    `json:"baudrate,omitempty"`
}

// Validate ensures the config is valid
func (cfg *DiscoveryConfig) Validate(path string) ([]string, []string, error) {
	if cfg.Remote == "" {
		cfg.Remote = "/board"
	}
	if cfg.Baudrate == 0 {
		cfg.Baudrate = remote.DefaultBaudrate
	}
	return nil, nil, nil
}

// boardDiscovery implements the discovery service
type boardDiscovery struct {
	resource.Named
	resource.AlwaysRebuild
	resource.TriviallyCloseable
	cfg    *DiscoveryConfig
	logger logging.Logger
	open   driver.Opener
}

func newDiscovery(
	ctx context.Context,
	deps resource.Dependencies,
	conf resource.Config,
	logger logging.Logger,
) (discovery.Service, error) {
	cfg, err := resource.NativeConfig[*DiscoveryConfig](conf)
	if err != nil {
		return nil, err
	}

	return &boardDiscovery{
		Named:  conf.ResourceName().AsNamed(),
		cfg:    cfg,
		logger: logger,
		open:   remote.DialSerial,
	}, nil
}

// DiscoverResources probes serial ports for control boards and returns one
// controller configuration per board found.
func (dis *boardDiscovery) DiscoverResources(ctx context.Context, extra map[string]any) ([]resource.Config, error) {
	dis.logger.Info("Starting control board discovery")

	candidates, err := CandidatePorts()
	if err != nil {
		return nil, err
	}
	dis.logger.Debugf("Found %d candidate ports", len(candidates))

	var configs []resource.Config
	for _, portPath := range candidates {
		select {
		case <-ctx.Done():
			dis.logger.Info("Discovery cancelled")
			return configs, ctx.Err()
		default:
		}

		if conf, ok := dis.discoverPort(ctx, portPath); ok {
			configs = append(configs, conf)
		}
	}

	if len(configs) == 0 {
		dis.logger.Info("No control boards discovered")
	} else {
		dis.logger.Infof("Discovered %d control boards", len(configs))
	}
	return configs, nil
}

// discoverPort opens a session on one port and reads the board topology.
func (dis *boardDiscovery) discoverPort(ctx context.Context, portPath string) (resource.Config, bool) {
	ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	dev, err := dis.open(ctx, driver.Options{
		Remote:     dis.cfg.Remote,
		Local:      LocalEndpoint(dis.cfg.Remote),
		Carrier:    driver.CarrierSerial,
		SerialPort: portPath,
		Baudrate:   dis.cfg.Baudrate,
		Timeout:    500 * time.Millisecond,
	})
	if err != nil {
		dis.logger.Debugf("No control board on %s: %v", portPath, err)
		return resource.Config{}, false
	}
	defer utils.UncheckedErrorFunc(dev.Close)

	info, ok := dev.AxisInfo()
	if !ok {
		dis.logger.Debugf("Board on %s does not report its axes", portPath)
		return resource.Config{}, false
	}
	names, err := readAxisNames(ctx, info)
	if err != nil {
		dis.logger.Debugf("Failed to read topology on %s: %v", portPath, err)
		return resource.Config{}, false
	}
	dis.logger.Infof("Discovered control board on %s with %d axes", portPath, len(names))

	return resource.Config{
		Name:  "rcboard-" + extractPortSuffix(portPath),
		API:   generic.API,
		Model: Model,
		Attributes: map[string]interface{}{
			"remote":      dis.cfg.Remote,
			"carrier":     driver.CarrierSerial,
			"serial_port": portPath,
			"baudrate":    dis.cfg.Baudrate,
			"joint_count": len(names),
			"joints":      names,
		},
	}, true
}

func readAxisNames(ctx context.Context, info driver.AxisInfo) ([]string, error) {
	n, err := info.Axes(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, n)
	for i := range names {
		if names[i], err = info.AxisName(ctx, i); err != nil {
			return nil, err
		}
	}
	return names, nil
}

// portPrefixes are the device paths USB serial adapters show up under.
var portPrefixes = []string{
	"/dev/ttyUSB", "/dev/ttyACM", // linux
	"/dev/tty.usbmodem", "/dev/tty.usbserial", "/dev/cu.usbmodem", "/dev/cu.usbserial", // darwin
	"COM", // windows
}

// CandidatePorts lists the serial ports that may host a control board.
func CandidatePorts() ([]string, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, errors.Wrap(err, "cannot enumerate serial ports")
	}
	names := make([]string, 0, len(ports))
	for _, p := range ports {
		names = append(names, p.Name)
	}
	return filterCandidatePorts(names), nil
}

func filterCandidatePorts(ports []string) []string {
	out := make([]string, 0, len(ports))
	for _, port := range ports {
		for _, prefix := range portPrefixes {
			if strings.HasPrefix(port, prefix) {
				out = append(out, port)
				break
			}
		}
	}
	return out
}

// extractPortSuffix names a board after its port: /dev/tty.usbmodem1 is
// "usbmodem1", /dev/ttyUSB0 is "ttyUSB0".
func extractPortSuffix(portPath string) string {
	base := filepath.Base(portPath)
	for _, dir := range []string{"tty.", "cu."} {
		if strings.HasPrefix(base, dir+"usb") {
			return strings.TrimPrefix(base, dir)
		}
	}
	return base
}
