package rcboard

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.viam.com/rdk/components/generic"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/utils"

	"rcboard/driver"
	"rcboard/driver/sim"
	"rcboard/scene"
)

// Model is the controller component.
var Model = resource.NewModel("devrel", "rcboard", "controller")

func init() {
	resource.RegisterComponent(generic.API, Model,
		resource.Registration[resource.Resource, *Config]{
			Constructor: newComponent,
		},
	)
}

// Scene commands handled by the component itself.
const (
	CmdPlay        = "play"
	CmdPause       = "pause"
	CmdSeek        = "seek"
	CmdSetRotation = "set_rotation"
)

// component hosts a Controller and plays its scene. The mutex serializes the
// frame loop and commands, which the controller requires.
type component struct {
	resource.Named
	resource.AlwaysRebuild

	logger logging.Logger
	cfg    *Config

	mu       sync.Mutex
	ctrl     *Controller
	doc      *scene.Document
	board    *sim.Board
	playing  bool
	frame    float64

	cancelCtx  context.Context
	cancelFunc func()
	wg         sync.WaitGroup
}

func newComponent(ctx context.Context, deps resource.Dependencies, rawConf resource.Config, logger logging.Logger) (resource.Resource, error) {
	conf, err := resource.NativeConfig[*Config](rawConf)
	if err != nil {
		return nil, err
	}
	return NewComponent(ctx, rawConf.ResourceName(), conf, logger)
}

// NewComponent builds the component from a validated config and starts its frame loop.
func NewComponent(ctx context.Context, name resource.Name, conf *Config, logger logging.Logger) (resource.Resource, error) {
	doc, err := loadScene(conf)
	if err != nil {
		return nil, err
	}

	s := &component{
		Named:  name.AsNamed(),
		logger: logger,
		cfg:    conf,
		doc:    doc,
	}

	var opener driver.Opener = driver.Open
	if conf.Carrier == driver.CarrierSim {
		s.board = sim.NewBoard(SimAxisNames(conf)...)
		opener = s.board.Open
	}

	s.ctrl, err = NewController(conf, doc, opener, logger)
	if err != nil {
		return nil, err
	}
	s.ctrl.OnRefresh(func(d Description) {
		logger.Debugf("description refreshed: mode=%s connected=%v buttons=%v", d.Mode, d.Connected, d.Buttons)
	})

	if conf.AutoConnect {
		res, err := s.ctrl.Dispatch(ctx, CmdConnect, nil)
		if err != nil || !res.OK {
			logger.Warnf("auto connect to %s failed: %s", conf.Remote, res.Message)
		}
	}

	s.cancelCtx, s.cancelFunc = context.WithCancel(context.Background())
	s.wg.Add(1)
	utils.ManagedGo(s.frameLoop, s.wg.Done)

	logger.Infof("rcboard controller for %s (%s carrier, %d axes) initialized", conf.Remote, conf.Carrier, conf.JointCount)
	return s, nil
}

// SimAxisNames names the axes of a simulated board after the configured joints.
func SimAxisNames(conf *Config) []string {
	names := make([]string, conf.JointCount)
	for i := range names {
		if i < len(conf.Joints) && conf.Joints[i] != "" {
			names[i] = conf.Joints[i]
		} else {
			names[i] = placeholderName(i)
		}
	}
	return names
}

// loadScene reads the configured scene file, or builds a scene with one node
// per configured joint. Relative paths are resolved against VIAM_MODULE_DATA.
func loadScene(conf *Config) (*scene.Document, error) {
	if conf.SceneFile == "" {
		doc := scene.NewDocument()
		for _, name := range conf.Joints {
			if name != "" {
				doc.AddNode(name)
			}
		}
		return doc, nil
	}

	path := conf.SceneFile
	if !filepath.IsAbs(path) {
		moduleDataDir := os.Getenv("VIAM_MODULE_DATA")
		if moduleDataDir == "" {
			moduleDataDir = "/tmp"
		}
		path = filepath.Join(moduleDataDir, path)
	}
	return scene.Load(path)
}

func (s *component) frameLoop() {
	period := time.Duration(float64(time.Second) / s.cfg.FrameRate)
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.step(s.cancelCtx)
		case <-s.cancelCtx.Done():
			return
		}
	}
}

// step evaluates the scene at the current frame and ticks the controller.
func (s *component) step(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.playing {
		s.doc.Evaluate(s.frame)
		s.frame = s.advance(s.frame)
	}
	if _, err := s.ctrl.Tick(ctx); err != nil {
		s.logger.Debugf("tick: %v", err)
	}
}

// advance moves one frame forward, scaled from scene to loop rate, looping
// over the keyed range.
func (s *component) advance(frame float64) float64 {
	frame += s.doc.FPS() / s.cfg.FrameRate
	first, last, ok := s.doc.FrameRange()
	if ok && frame > float64(last) {
		frame = float64(first)
	}
	return frame
}

func (s *component) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	name, ok := cmd["command"].(string)
	if !ok {
		return nil, fmt.Errorf("command must be a string, got %v", cmd["command"])
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch name {
	case CmdPlay:
		s.playing = true
		return map[string]interface{}{"success": true, "frame": s.frame}, nil

	case CmdPause:
		s.playing = false
		return map[string]interface{}{"success": true, "frame": s.frame}, nil

	case CmdSeek:
		frame, ok := cmd["frame"].(float64)
		if !ok {
			return nil, fmt.Errorf("seek command requires 'frame' number parameter")
		}
		s.frame = frame
		s.doc.Evaluate(frame)
		return map[string]interface{}{"success": true, "frame": frame}, nil

	case CmdSetRotation:
		entity, _ := cmd["entity"].(string)
		deg, ok := cmd["deg"].(float64)
		if !ok {
			return nil, fmt.Errorf("set_rotation command requires 'deg' number parameter")
		}
		node, found := s.doc.Node(entity)
		if !found {
			return nil, fmt.Errorf("no scene entity named %q", entity)
		}
		node.SetRotation(deg * math.Pi / 180)
		return map[string]interface{}{"success": true}, nil

	default:
		res, err := s.ctrl.Dispatch(ctx, name, cmd)
		if err != nil {
			return nil, err
		}
		return res.Map(), nil
	}
}

func (s *component) Close(context.Context) error {
	s.logger.Info("Closing rcboard controller")

	s.cancelFunc()
	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctrl.Close()
}
