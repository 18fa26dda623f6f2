// ABOUTME: Translates docker-run style flag lists into structured container creation parameters.
// ABOUTME: A table maps each supported flag to its effect; anything else is reported as unsupported.

package transport

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/go-connections/nat"
	"github.com/docker/go-units"
)

// Labels placed on every container the relay creates.
const (
	LabelManaged   = "mcp-relay.managed"
	LabelServer    = "mcp-relay.server"
	LabelSignature = "mcp-relay.signature"
)

// UnsupportedOptionsError lists flags that cannot be translated.
type UnsupportedOptionsError struct {
	Options []string
}

func (e *UnsupportedOptionsError) Error() string {
	return fmt.Sprintf("unsupported container options: %s", strings.Join(e.Options, ", "))
}

// ContainerSpec is the structured result of flag translation.
type ContainerSpec struct {
	Name             string
	Config           *container.Config
	HostConfig       *container.HostConfig
	NetworkingConfig *network.NetworkingConfig
}

type flagSpec struct {
	takesValue bool
	apply      func(spec *ContainerSpec, value string) error
}

func valueFlag(apply func(*ContainerSpec, string) error) flagSpec {
	return flagSpec{takesValue: true, apply: apply}
}

// boolFlag accepts "--flag" and "--flag=true|false".
func boolFlag(apply func(*ContainerSpec, bool)) flagSpec {
	return flagSpec{apply: func(spec *ContainerSpec, value string) error {
		on := true
		if value != "" {
			b, err := strconv.ParseBool(value)
			if err != nil {
				return err
			}
			on = b
		}
		apply(spec, on)
		return nil
	}}
}

var flagTable = map[string]flagSpec{
	"-v":           valueFlag(addBind),
	"--volume":     valueFlag(addBind),
	"--mount":      valueFlag(addMount),
	"-e":           valueFlag(addEnv),
	"--env":        valueFlag(addEnv),
	"--network":    valueFlag(setNetwork),
	"--net":        valueFlag(setNetwork),
	"-u":           valueFlag(setUser),
	"--user":       valueFlag(setUser),
	"-w":           valueFlag(setWorkdir),
	"--workdir":    valueFlag(setWorkdir),
	"--entrypoint": valueFlag(setEntrypoint),
	"--name":       valueFlag(setName),
	"--gpus":       valueFlag(setGPUs),
	"--shm-size":   valueFlag(setShmSize),
	"-m":           valueFlag(setMemory),
	"--memory":     valueFlag(setMemory),
	"--cpus":       valueFlag(setCPUs),
	"-p":           valueFlag(addPublish),
	"--publish":    valueFlag(addPublish),
	"--cap-add":    valueFlag(addCap),
	"--cap-drop":   valueFlag(dropCap),
	"--add-host":   valueFlag(addHost),
	"-l":           valueFlag(addLabel),
	"--label":      valueFlag(addLabel),

	"-i":            boolFlag(func(*ContainerSpec, bool) {}),
	"--interactive": boolFlag(func(*ContainerSpec, bool) {}),
	"--rm":          boolFlag(func(s *ContainerSpec, on bool) { s.HostConfig.AutoRemove = on }),
	"--privileged":  boolFlag(func(s *ContainerSpec, on bool) { s.HostConfig.Privileged = on }),
	"--read-only":   boolFlag(func(s *ContainerSpec, on bool) { s.HostConfig.ReadonlyRootfs = on }),
	"--init":        boolFlag(func(s *ContainerSpec, on bool) { s.HostConfig.Init = &on }),
}

// TranslateFlags converts a docker-run style argument list into a ContainerSpec.
//
// A leading "docker" and "run" are skipped. Both "--flag value" and
// "--flag=value" forms are accepted, and clustered short booleans such as
// "-it" are expanded. If image is empty the first positional argument is the
// image; the remaining positionals form the command unless command is set.
// Every unrecognized flag is collected into one *UnsupportedOptionsError.
func TranslateFlags(args []string, image string, command []string) (*ContainerSpec, error) {
	spec := newContainerSpec()
	spec.Config.Image = image

	rest := args
	if len(rest) > 0 && rest[0] == "docker" {
		rest = rest[1:]
	}
	if len(rest) > 0 && rest[0] == "run" {
		rest = rest[1:]
	}
	rest = expandShortClusters(rest)

	var unsupported []string
	var positionals []string
	for i := 0; i < len(rest); i++ {
		arg := rest[i]

		if arg == "--" {
			positionals = append(positionals, rest[i+1:]...)
			break
		}
		if !strings.HasPrefix(arg, "-") || arg == "-" {
			positionals = append(positionals, rest[i:]...)
			break
		}

		name, value, inline := strings.Cut(arg, "=")
		fs, ok := flagTable[name]
		if !ok {
			unsupported = append(unsupported, name)
			continue
		}
		if fs.takesValue && !inline {
			if i+1 >= len(rest) {
				return nil, fmt.Errorf("flag %s requires a value", name)
			}
			i++
			value = rest[i]
		}
		if err := fs.apply(spec, value); err != nil {
			return nil, fmt.Errorf("flag %s: %w", name, err)
		}
	}

	if len(unsupported) > 0 {
		return nil, &UnsupportedOptionsError{Options: unsupported}
	}

	if spec.Config.Image == "" {
		if len(positionals) == 0 {
			return nil, fmt.Errorf("no image given")
		}
		spec.Config.Image = positionals[0]
		positionals = positionals[1:]
	}
	if len(command) > 0 {
		spec.Config.Cmd = strslice.StrSlice(command)
	} else if len(positionals) > 0 {
		spec.Config.Cmd = strslice.StrSlice(positionals)
	}

	return spec, nil
}

func newContainerSpec() *ContainerSpec {
	return &ContainerSpec{
		Config: &container.Config{
			AttachStdin:  true,
			AttachStdout: true,
			AttachStderr: true,
			OpenStdin:    true,
			StdinOnce:    true,
			Tty:          false,
			Labels:       map[string]string{},
		},
		HostConfig:       &container.HostConfig{},
		NetworkingConfig: &network.NetworkingConfig{},
	}
}

// expandShortClusters turns "-it" into "-i", "-t" when every letter is a
// known boolean short flag or the TTY flag, so the TTY flag is reported by name.
// Expansion stops at the first positional argument.
func expandShortClusters(args []string) []string {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" || !strings.HasPrefix(arg, "-") {
			return append(out, args[i:]...)
		}
		if fs, ok := flagTable[arg]; ok {
			out = append(out, arg)
			if fs.takesValue && i+1 < len(args) {
				i++
				out = append(out, args[i])
			}
			continue
		}
		if !isShortCluster(arg) {
			out = append(out, arg)
			continue
		}
		for _, r := range arg[1:] {
			out = append(out, "-"+string(r))
		}
	}
	return out
}

func isShortCluster(arg string) bool {
	if strings.HasPrefix(arg, "--") || len(arg) <= 2 || strings.Contains(arg, "=") {
		return false
	}
	for _, r := range arg[1:] {
		f := "-" + string(r)
		if f == "-t" || f == "-d" {
			continue
		}
		fs, ok := flagTable[f]
		if !ok || fs.takesValue {
			return false
		}
	}
	return true
}

func addBind(s *ContainerSpec, v string) error {
	if !strings.Contains(v, ":") {
		return fmt.Errorf("volume %q must be source:target[:mode]", v)
	}
	s.HostConfig.Binds = append(s.HostConfig.Binds, v)
	return nil
}

func addMount(s *ContainerSpec, v string) error {
	m := mount.Mount{Type: mount.TypeVolume}
	for _, field := range strings.Split(v, ",") {
		key, val, _ := strings.Cut(field, "=")
		switch strings.ToLower(key) {
		case "type":
			m.Type = mount.Type(val)
		case "source", "src":
			m.Source = val
		case "target", "destination", "dst":
			m.Target = val
		case "readonly", "ro":
			if val == "" {
				m.ReadOnly = true
			} else {
				b, err := strconv.ParseBool(val)
				if err != nil {
					return fmt.Errorf("mount readonly %q: %w", val, err)
				}
				m.ReadOnly = b
			}
		default:
			return fmt.Errorf("unsupported mount option %q", key)
		}
	}
	if m.Target == "" {
		return fmt.Errorf("mount %q has no target", v)
	}
	s.HostConfig.Mounts = append(s.HostConfig.Mounts, m)
	return nil
}

func addEnv(s *ContainerSpec, v string) error {
	s.Config.Env = append(s.Config.Env, v)
	return nil
}

func setNetwork(s *ContainerSpec, v string) error {
	s.HostConfig.NetworkMode = container.NetworkMode(v)
	return nil
}

func setUser(s *ContainerSpec, v string) error {
	s.Config.User = v
	return nil
}

func setWorkdir(s *ContainerSpec, v string) error {
	s.Config.WorkingDir = v
	return nil
}

func setEntrypoint(s *ContainerSpec, v string) error {
	s.Config.Entrypoint = strslice.StrSlice{v}
	return nil
}

func setName(s *ContainerSpec, v string) error {
	s.Name = v
	return nil
}

func addCap(s *ContainerSpec, v string) error {
	s.HostConfig.CapAdd = append(s.HostConfig.CapAdd, v)
	return nil
}

func dropCap(s *ContainerSpec, v string) error {
	s.HostConfig.CapDrop = append(s.HostConfig.CapDrop, v)
	return nil
}

func addHost(s *ContainerSpec, v string) error {
	s.HostConfig.ExtraHosts = append(s.HostConfig.ExtraHosts, v)
	return nil
}

func setGPUs(s *ContainerSpec, v string) error {
	req := container.DeviceRequest{Capabilities: [][]string{{"gpu"}}}
	switch {
	case v == "all":
		req.Count = -1
	case strings.HasPrefix(v, "device="):
		req.DeviceIDs = strings.Split(strings.Trim(strings.TrimPrefix(v, "device="), `"`), ",")
	default:
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("gpus %q: want all, a count or device=ids", v)
		}
		req.Count = n
	}
	s.HostConfig.DeviceRequests = append(s.HostConfig.DeviceRequests, req)
	return nil
}

func setShmSize(s *ContainerSpec, v string) error {
	n, err := units.RAMInBytes(v)
	if err != nil {
		return err
	}
	s.HostConfig.ShmSize = n
	return nil
}

func setMemory(s *ContainerSpec, v string) error {
	n, err := units.RAMInBytes(v)
	if err != nil {
		return err
	}
	s.HostConfig.Memory = n
	return nil
}

func setCPUs(s *ContainerSpec, v string) error {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return fmt.Errorf("cpus %q must be a positive number", v)
	}
	s.HostConfig.NanoCPUs = int64(f * 1e9)
	return nil
}

func addPublish(s *ContainerSpec, v string) error {
	exposed, bindings, err := nat.ParsePortSpecs([]string{v})
	if err != nil {
		return err
	}
	if s.Config.ExposedPorts == nil {
		s.Config.ExposedPorts = nat.PortSet{}
	}
	if s.HostConfig.PortBindings == nil {
		s.HostConfig.PortBindings = nat.PortMap{}
	}
	for p := range exposed {
		s.Config.ExposedPorts[p] = struct{}{}
	}
	for p, b := range bindings {
		s.HostConfig.PortBindings[p] = append(s.HostConfig.PortBindings[p], b...)
	}
	return nil
}

func addLabel(s *ContainerSpec, v string) error {
	k, val, _ := strings.Cut(v, "=")
	if k == "" {
		return fmt.Errorf("label %q has no key", v)
	}
	if strings.HasPrefix(k, "mcp-relay.") {
		return fmt.Errorf("label %q uses the reserved mcp-relay. prefix", k)
	}
	s.Config.Labels[k] = val
	return nil
}

// Signature hashes the normalized creation parameters. Labels added by
// ApplyOwnership are excluded so the hash is stable across relabeling.
// Env order is normalized; everything else is order-sensitive.
func Signature(spec *ContainerSpec) (string, error) {
	cfg := *spec.Config
	cfg.Labels = make(map[string]string, len(spec.Config.Labels))
	for k, v := range spec.Config.Labels {
		if !strings.HasPrefix(k, "mcp-relay.") {
			cfg.Labels[k] = v
		}
	}
	cfg.Env = append([]string(nil), spec.Config.Env...)
	sort.Strings(cfg.Env)

	data, err := json.Marshal(struct {
		Name       string
		Config     *container.Config
		HostConfig *container.HostConfig
	}{spec.Name, &cfg, spec.HostConfig})
	if err != nil {
		return "", fmt.Errorf("encoding container spec: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// ApplyOwnership stamps the managed, server and signature labels.
func ApplyOwnership(spec *ContainerSpec, server, signature string) {
	spec.Config.Labels[LabelManaged] = "true"
	spec.Config.Labels[LabelServer] = server
	spec.Config.Labels[LabelSignature] = signature
}
