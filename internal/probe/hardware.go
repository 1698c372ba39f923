// File: internal/probe/hardware.go
package probe

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/xkilldash9x/bootmend/api/schemas"
	"github.com/xkilldash9x/bootmend/internal/evidence"
	"github.com/xkilldash9x/bootmend/internal/platform"
	"go.uber.org/zap"
)

// Device is one entry of pnputil /enum-devices output.
type Device struct {
	InstanceID    string
	Description   string
	Class         string
	Status        string
	HardwareIDs   []string
	CompatibleIDs []string
}

// ParsePnpDevices parses "pnputil /enum-devices /ids" output. Multi-valued
// fields continue on indented lines without a label.
func ParsePnpDevices(out string) []Device {
	var devices []Device
	var cur *Device
	var lastField string
	flush := func() {
		if cur != nil && cur.InstanceID != "" {
			devices = append(devices, *cur)
		}
		cur = nil
	}
	for _, raw := range strings.Split(out, "\n") {
		line := strings.TrimRight(raw, "\r")
		if strings.TrimSpace(line) == "" {
			lastField = ""
			continue
		}
		label, value, hasLabel := strings.Cut(line, ":")
		// Continuation lines are indented and carry no "Label:" prefix. IDs can
		// contain colons only in rare vendor strings, which still start indented.
		if !hasLabel || strings.HasPrefix(line, " ") {
			if cur != nil && lastField != "" {
				appendField(cur, lastField, strings.TrimSpace(line))
			}
			continue
		}
		label = strings.ToLower(strings.TrimSpace(label))
		value = strings.TrimSpace(value)
		if label == "instance id" {
			flush()
			cur = &Device{}
		}
		if cur == nil {
			continue
		}
		lastField = label
		appendField(cur, label, value)
	}
	flush()
	return devices
}

func appendField(d *Device, label, value string) {
	if value == "" {
		return
	}
	switch label {
	case "instance id":
		d.InstanceID = value
	case "device description":
		d.Description = value
	case "class name":
		d.Class = value
	case "status":
		d.Status = value
	case "hardware ids":
		d.HardwareIDs = append(d.HardwareIDs, strings.ToUpper(value))
	case "compatible ids":
		d.CompatibleIDs = append(d.CompatibleIDs, strings.ToUpper(value))
	}
}

// collectHardware enumerates the boot-critical controllers present on this
// machine and resolves which driver the target would use for each.
func collectHardware(ctx context.Context, env *Env) (evidence.Section, error) {
	var devices []Device
	var lastErr error
	queried := 0
	for _, class := range env.Cfg.HardwareClasses {
		res, err := env.run(ctx, "pnputil", "/enum-devices", "/connected", "/class", class, "/ids")
		if err != nil {
			lastErr = err
			continue
		}
		queried++
		devices = append(devices, ParsePnpDevices(res.Output)...)
	}
	if queried == 0 {
		if lastErr == nil {
			lastErr = errors.New("no hardware classes configured")
		}
		return nil, fmt.Errorf("device enumeration failed: %w", lastErr)
	}

	sec := &evidence.HardwareSection{Availability: evidence.Collected(), Requirements: []schemas.HardwareRequirement{}}
	for _, d := range devices {
		req := schemas.HardwareRequirement{
			DeviceID:      d.InstanceID,
			Description:   d.Description,
			Class:         d.Class,
			HardwareIDs:   d.HardwareIDs,
			CompatibleIDs: d.CompatibleIDs,
			DriverState:   schemas.DriverUnknown,
		}
		if err := resolveDriver(ctx, env, &req); err != nil {
			env.Logger.Debug("Driver resolution incomplete", zap.String("device", d.InstanceID), zap.Error(err))
		}
		if req.Service != "" {
			env.services = append(env.services, req.Service)
		}
		sec.Requirements = append(sec.Requirements, req)
	}
	return sec, nil
}

// resolveDriver fills Service, DriverState and StartType from the target's
// SYSTEM hive. The device's own Enum key is authoritative; when the target has
// never seen this instance (a controller mode change gives it a new one), the
// driver store's hardware-ID index is consulted instead.
func resolveDriver(ctx context.Context, env *Env, req *schemas.HardwareRequirement) error {
	servicesKey := env.servicesKey()
	if servicesKey == "" {
		return errors.New("SYSTEM hive not mounted")
	}
	controlSet := env.systemRoot + `\` + ControlSetName(env.controlSet)

	service := ""
	if k, err := env.Hives.Key(ctx, controlSet+`\Enum\`+req.DeviceID); err == nil {
		if v, ok := k.Value("Service"); ok {
			service = v.Data
		}
	}
	if service == "" {
		service = serviceFromDriverStore(ctx, env, append(append([]string{}, req.HardwareIDs...), req.CompatibleIDs...))
	}
	if service == "" {
		req.DriverState = schemas.DriverMissing
		return nil
	}

	req.Service = service
	st, err := serviceState(ctx, env, service)
	if err != nil {
		return err
	}
	req.StartType = st.Start
	switch {
	case !st.Exists:
		req.DriverState = schemas.DriverMissing
	case st.Enabled():
		req.DriverState = schemas.DriverEnabled
	default:
		req.DriverState = schemas.DriverDisabled
	}
	return nil
}

func serviceFromDriverStore(ctx context.Context, env *Env, ids []string) string {
	db := env.systemRoot + `\DriverDatabase`
	for _, id := range ids {
		k, err := env.Hives.Key(ctx, db+`\DeviceIds\`+id)
		if err != nil {
			continue
		}
		infs := make([]string, 0, len(k.Values))
		for name := range k.Values {
			infs = append(infs, name)
		}
		sort.Strings(infs)
		for _, inf := range infs {
			if !strings.HasSuffix(strings.ToLower(inf), ".inf") {
				continue
			}
			infKey, err := env.Hives.Key(ctx, db+`\DriverInfFiles\`+inf)
			if err != nil {
				continue
			}
			def, ok := infKey.Value("(Default)")
			if !ok {
				continue
			}
			pkg := strings.Split(def.Data, `\0`)[0]
			configs, err := env.Hives.Query(ctx, db+`\DriverPackages\`+pkg+`\Configurations`, true)
			if err != nil {
				continue
			}
			for _, c := range configs {
				if v, ok := c.Value("Service"); ok && v.Data != "" {
					return v.Data
				}
			}
		}
	}
	return ""
}

func serviceState(ctx context.Context, env *Env, name string) (evidence.ServiceState, error) {
	return ReadService(ctx, env.Hives, env.servicesKey(), env.Target, name)
}

// ReadService reads one service key below servicesKey. A missing key yields
// Exists=false rather than an error.
func ReadService(ctx context.Context, hives *HiveReader, servicesKey string, target schemas.TargetInstallation, name string) (evidence.ServiceState, error) {
	st := evidence.ServiceState{Name: name}
	keys, err := hives.Query(ctx, servicesKey+`\`+name, true)
	if errors.Is(err, ErrKeyNotFound) {
		return st, nil
	}
	if err != nil {
		return st, err
	}
	st.Exists = true
	base := keys[0]
	if v, ok := base.Value("Start"); ok {
		if n, err := v.DWORD(); err == nil {
			st.Start = int(n)
		}
	} else {
		st.Start = -1
	}
	if v, ok := base.Value("Group"); ok {
		st.Group = v.Data
	}
	if v, ok := base.Value("ImagePath"); ok {
		st.ImagePath = v.Data
	}
	for _, k := range keys[1:] {
		if !strings.HasSuffix(strings.ToLower(k.Path), `\startoverride`) {
			continue
		}
		for _, v := range k.Values {
			if n, err := v.DWORD(); err == nil && n != 0 {
				st.StartOverride = true
			}
		}
	}
	st.ImagePresent = platform.FileExists(imageFile(target, name, st.ImagePath))
	return st, nil
}

// imageFile maps a service ImagePath onto the target volume.
func imageFile(target schemas.TargetInstallation, service, imagePath string) string {
	p := imagePath
	lower := strings.ToLower(p)
	switch {
	case p == "":
		return filepath.Join(target.WindowsDir, "System32", "drivers", service+".sys")
	case strings.HasPrefix(lower, `\systemroot\`):
		return filepath.Join(target.WindowsDir, platform.NormalizePath(p[len(`\systemroot\`):]))
	case strings.HasPrefix(lower, `system32\`):
		return filepath.Join(target.WindowsDir, platform.NormalizePath(p))
	case strings.HasPrefix(p, `\??\`):
		rest := p[len(`\??\`):]
		// The drive letter is the target's view of itself; rebase onto its root.
		if len(rest) > 3 && rest[1] == ':' {
			return filepath.Join(target.Root, platform.NormalizePath(rest[3:]))
		}
		return platform.NormalizePath(rest)
	default:
		return platform.NormalizePath(p)
	}
}

// collectDriverState reads the configured boot services plus every service a
// boot-critical device depends on.
func collectDriverState(ctx context.Context, env *Env) (evidence.Section, error) {
	if env.servicesKey() == "" {
		return nil, errors.New("SYSTEM hive not mounted")
	}
	names := dedupeFold(append(append([]string{}, env.Cfg.BootServices...), env.services...))
	sec := &evidence.DriverStateSection{Availability: evidence.Collected(), Services: make([]evidence.ServiceState, 0, len(names))}
	for _, name := range names {
		st, err := serviceState(ctx, env, name)
		if err != nil {
			return nil, fmt.Errorf("service %s: %w", name, err)
		}
		sec.Services = append(sec.Services, st)
	}
	return sec, nil
}

func dedupeFold(in []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(in))
	for _, s := range in {
		k := strings.ToLower(s)
		if s == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, s)
	}
	return out
}
