// File: internal/probe/events.go
package probe

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/beevik/etree"
	"github.com/xkilldash9x/bootmend/internal/evidence"
	"github.com/xkilldash9x/bootmend/internal/platform"
)

// Event IDs queried from the offline System log.
const (
	eventKernelPower        = 41
	eventUnexpectedShutdown = 6008
	eventBugCheck           = 1001
	eventServiceStartFailed = 7000
	eventBootDriverFailed   = 7026
)

const eventQuery = "*[System[(EventID=41 or EventID=6008 or EventID=1001 or EventID=7000 or EventID=7026)]]"

// ParseEvents parses the concatenated <Event> documents wevtutil prints with
// /f:xml. Events keep the order they were printed in.
func ParseEvents(out string) ([]evidence.BootEvent, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromString("<Events>" + strings.TrimPrefix(out, "\ufeff") + "</Events>"); err != nil {
		return nil, fmt.Errorf("malformed event XML: %w", err)
	}
	events := []evidence.BootEvent{}
	for _, el := range doc.Root().SelectElements("Event") {
		sys := el.SelectElement("System")
		if sys == nil {
			continue
		}
		var ev evidence.BootEvent
		if id := sys.SelectElement("EventID"); id != nil {
			n, err := strconv.Atoi(strings.TrimSpace(id.Text()))
			if err != nil {
				continue
			}
			ev.ID = n
		}
		if p := sys.SelectElement("Provider"); p != nil {
			ev.Provider = p.SelectAttrValue("Name", "")
		}
		if tc := sys.SelectElement("TimeCreated"); tc != nil {
			if t, err := time.Parse(time.RFC3339Nano, tc.SelectAttrValue("SystemTime", "")); err == nil {
				ev.Time = t.UTC()
			}
		}

		data := eventData(el)
		switch ev.ID {
		case eventKernelPower:
			if n, err := strconv.ParseUint(data["BugcheckCode"], 10, 32); err == nil {
				ev.BugCheck = uint32(n)
			}
		case eventBugCheck:
			ev.BugCheck = parseBugCheckParam(data["param1"])
			ev.Detail = data["param1"]
		case eventServiceStartFailed, eventBootDriverFailed:
			ev.Service = strings.TrimSpace(data["param1"])
			ev.Detail = data["param2"]
		}
		events = append(events, ev)
	}
	return events, nil
}

// eventData maps EventData/Data by Name. Unnamed data is keyed param1..n.
func eventData(el *etree.Element) map[string]string {
	out := map[string]string{}
	ed := el.SelectElement("EventData")
	if ed == nil {
		return out
	}
	for i, d := range ed.SelectElements("Data") {
		name := d.SelectAttrValue("Name", "")
		if name == "" {
			name = fmt.Sprintf("param%d", i+1)
		}
		out[name] = strings.TrimSpace(d.Text())
	}
	return out
}

// parseBugCheckParam reads "0x0000007b (0x..., ...)" as printed by the error
// reporting provider.
func parseBugCheckParam(s string) uint32 {
	f := strings.Fields(s)
	if len(f) == 0 {
		return 0
	}
	n, err := strconv.ParseUint(f[0], 0, 64)
	if err != nil {
		return 0
	}
	return uint32(n)
}

func collectEventLog(ctx context.Context, env *Env) (evidence.Section, error) {
	path := env.windowsPath(`System32\winevt\Logs\System.evtx`)
	if !platform.FileExists(path) {
		return nil, fmt.Errorf("system event log %s absent", path)
	}
	res, err := env.run(ctx, "wevtutil", "qe", path, "/lf:true", "/f:xml", "/rd:true",
		fmt.Sprintf("/c:%d", env.Cfg.EventLimit), "/q:"+eventQuery)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("wevtutil exited %d: %s", res.ExitCode, res.LastLine)
	}
	events, err := ParseEvents(res.Output)
	if err != nil {
		return nil, err
	}
	return &evidence.EventLogSection{Availability: evidence.Collected(), Source: path, Events: events}, nil
}
