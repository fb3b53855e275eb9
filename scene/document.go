// Package scene is a small scene graph of named nodes whose primary rotation
// drives controller axes. Nodes may carry keyframe tracks that are evaluated
// per frame.
package scene

import (
	"math"
	"os"
	"sort"
	"sync"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/rdk/spatialmath"
	"gopkg.in/yaml.v3"
)

// Entity is a bindable scene object.
type Entity interface {
	Name() string
	// PrimaryRotation is the local rotation about the primary axis, in radians.
	PrimaryRotation() float64
}

// Resolver finds entities by name within the active document.
type Resolver interface {
	Lookup(name string) (Entity, bool)
}

// Node is one named object. The primary axis is the local Z axis. The primary
// rotation is kept as an unbounded angle, so turns past ±180° are not folded.
type Node struct {
	doc   *Document
	name  string
	point r3.Vector
	rot   float64
}

// Name implements Entity.
func (n *Node) Name() string { return n.name }

// Pose returns the current local pose.
func (n *Node) Pose() spatialmath.Pose {
	n.doc.mu.RLock()
	defer n.doc.mu.RUnlock()
	return spatialmath.NewPose(n.point, &spatialmath.EulerAngles{Yaw: n.rot})
}

// PrimaryRotation implements Entity.
func (n *Node) PrimaryRotation() float64 {
	n.doc.mu.RLock()
	defer n.doc.mu.RUnlock()
	return n.rot
}

// SetRotation sets the primary rotation in radians.
func (n *Node) SetRotation(rad float64) {
	n.doc.mu.Lock()
	defer n.doc.mu.Unlock()
	n.rot = rad
}

// Keyframe pins the primary rotation of a node at a frame.
type Keyframe struct {
	Frame int     `yaml:"frame"`
	Deg   float64 `yaml:"deg"`
}

// Document is an in-memory scene. It is safe for concurrent use.
type Document struct {
	mu     sync.RWMutex
	fps    float64
	nodes  map[string]*Node
	order  []string
	tracks map[string][]Keyframe
}

// DefaultFPS is the frame rate of a document that does not declare one.
const DefaultFPS = 25

// NewDocument returns an empty document.
func NewDocument() *Document {
	return &Document{
		fps:    DefaultFPS,
		nodes:  make(map[string]*Node),
		tracks: make(map[string][]Keyframe),
	}
}

// AddNode creates a node at the origin, or returns the existing one.
func (d *Document) AddNode(name string) *Node {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.addNodeLocked(name, r3.Vector{}, 0)
}

func (d *Document) addNodeLocked(name string, point r3.Vector, rot float64) *Node {
	if n, ok := d.nodes[name]; ok {
		return n
	}
	n := &Node{doc: d, name: name, point: point, rot: rot}
	d.nodes[name] = n
	d.order = append(d.order, name)
	return n
}

// Lookup implements Resolver.
func (d *Document) Lookup(name string) (Entity, bool) {
	n, ok := d.Node(name)
	if !ok {
		return nil, false
	}
	return n, true
}

// Node returns the node with the given name.
func (d *Document) Node(name string) (*Node, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n, ok := d.nodes[name]
	return n, ok
}

// Names lists the nodes in insertion order.
func (d *Document) Names() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]string(nil), d.order...)
}

// FPS returns the frame rate of the document.
func (d *Document) FPS() float64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.fps
}

// SetTrack replaces the keyframes of a node. Keyframes are sorted by frame.
func (d *Document) SetTrack(name string, keys []Keyframe) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.nodes[name]; !ok {
		return errors.Errorf("no node named %q", name)
	}
	sorted := append([]Keyframe(nil), keys...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Frame < sorted[j].Frame })
	d.tracks[name] = sorted
	return nil
}

// FrameRange returns the first and last keyed frame. ok is false when the
// document has no keyframes.
func (d *Document) FrameRange() (first, last int, ok bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, keys := range d.tracks {
		if len(keys) == 0 {
			continue
		}
		if !ok || keys[0].Frame < first {
			first = keys[0].Frame
		}
		if !ok || keys[len(keys)-1].Frame > last {
			last = keys[len(keys)-1].Frame
		}
		ok = true
	}
	return first, last, ok
}

// Evaluate applies every track at frame. Frames outside a track hold its end values.
func (d *Document) Evaluate(frame float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for name, keys := range d.tracks {
		if len(keys) == 0 {
			continue
		}
		d.nodes[name].rot = sample(keys, frame) * math.Pi / 180
	}
}

func sample(keys []Keyframe, frame float64) float64 {
	if frame <= float64(keys[0].Frame) {
		return keys[0].Deg
	}
	last := keys[len(keys)-1]
	if frame >= float64(last.Frame) {
		return last.Deg
	}
	i := sort.Search(len(keys), func(i int) bool { return float64(keys[i].Frame) > frame })
	a, b := keys[i-1], keys[i]
	t := (frame - float64(a.Frame)) / float64(b.Frame-a.Frame)
	return a.Deg + t*(b.Deg-a.Deg)
}

type fileNode struct {
	Name        string     `yaml:"name"`
	Position    [3]float64 `yaml:"position,omitempty"`
	RotationDeg float64    `yaml:"rotation_deg,omitempty"`
	Keyframes   []Keyframe `yaml:"keyframes,omitempty"`
}

type fileFormat struct {
	FPS   float64    `yaml:"fps,omitempty"`
	Nodes []fileNode `yaml:"nodes"`
}

// Parse builds a document from its YAML form.
func Parse(data []byte) (*Document, error) {
	var ff fileFormat
	if err := yaml.Unmarshal(data, &ff); err != nil {
		return nil, errors.Wrap(err, "failed to parse scene")
	}

	d := NewDocument()
	if ff.FPS > 0 {
		d.fps = ff.FPS
	}
	for _, fn := range ff.Nodes {
		if fn.Name == "" {
			return nil, errors.New("scene node without a name")
		}
		if _, dup := d.nodes[fn.Name]; dup {
			return nil, errors.Errorf("duplicate scene node %q", fn.Name)
		}
		point := r3.Vector{X: fn.Position[0], Y: fn.Position[1], Z: fn.Position[2]}
		d.addNodeLocked(fn.Name, point, fn.RotationDeg*math.Pi/180)
		if len(fn.Keyframes) > 0 {
			if err := d.SetTrack(fn.Name, fn.Keyframes); err != nil {
				return nil, err
			}
		}
	}
	return d, nil
}

// Load reads a document from a YAML file.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read scene file %s", path)
	}
	return Parse(data)
}
