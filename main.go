package virtnvme

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/virtnvme/virtnvme/backend"
	"github.com/virtnvme/virtnvme/config"
	"github.com/virtnvme/virtnvme/pcilink"
	"github.com/virtnvme/virtnvme/util"
)

type m = map[string]any

// Main builds the emulated controller from config and returns a
// Control to run it. link and be may be nil, in which case both are
// built from config: an in-memory link and backend, which is the demo
// and test arrangement. A real deployment passes its own transport.
func Main(c *config.C, configTest bool, buildVersion string, logger *logrus.Logger, link pcilink.Link, be backend.Controller) (retcon *Control, reterr error) {
	ctx, cancel := context.WithCancel(context.Background())
	// Automatically exercise the cancel to avoid leaking a goroutine on
	// any error path below.
	defer func() {
		if reterr != nil {
			cancel()
		}
	}()

	l := logger
	l.Formatter = &logrus.TextFormatter{
		FullTimestamp: true,
	}

	err := configLogger(l, c)
	if err != nil {
		return nil, util.ContextualizeIfNeeded("Failed to configure the logger", err)
	}
	c.RegisterReloadCallback(func(c *config.C) {
		err := configLogger(l, c)
		if err != nil {
			util.LogWithContextIfNeeded("Failed to configure the logger", err, l)
		}
	})

	if link == nil {
		link, err = linkFromConfig(c)
		if err != nil {
			return nil, util.ContextualizeIfNeeded("Failed to build the memory link", err)
		}
	}

	if be == nil {
		be, err = backendFromConfig(l, c)
		if err != nil {
			return nil, util.ContextualizeIfNeeded("Failed to build the backend", err)
		}
	}

	ctrl, err := NewController(l, link, be, ControllerConfig{
		MaxQueuePairs: c.GetInt("nvme.max_queue_pairs", 0),
		MDTSKB:        c.GetInt("nvme.mdts_kb", 0),
		VendorID:      uint16(c.GetInt("nvme.vendor_id", 0)),
		DMA:           c.GetBool("nvme.dma", true),
		XferTimeout:   c.GetDuration("nvme.xfer_timeout", time.Second),
	})
	if err != nil {
		return nil, util.ContextualizeIfNeeded("Failed to create the controller", err)
	}

	statsStart, err := startStats(l, c, buildVersion, configTest)
	if err != nil {
		return nil, util.ContextualizeIfNeeded("Failed to start stats emission", err)
	}

	debugStart, err := startDebugHandler(l, c, ctrl)
	if err != nil {
		return nil, util.ContextualizeIfNeeded("Failed to start the debug handler", err)
	}

	if configTest {
		cancel()
		return nil, nil
	}

	c.CatchHUP(ctx)

	return &Control{
		l:          l,
		ctrl:       ctrl,
		backend:    be,
		cancel:     cancel,
		statsStart: statsStart,
		debugStart: debugStart,
	}, nil
}

// linkFromConfig builds the in-memory link used for demo and test
// runs.
func linkFromConfig(c *config.C) (pcilink.Link, error) {
	var mode pcilink.DMAMode
	switch dma := c.GetString("link.dma", "dual"); dma {
	case "none":
		mode = pcilink.DMANone
	case "shared":
		mode = pcilink.DMAShared
	case "dual":
		mode = pcilink.DMADual
	default:
		return nil, fmt.Errorf("link.dma was not understood: %s", dma)
	}

	return pcilink.NewMemLink(pcilink.MemLinkConfig{
		HostMemSize: int(c.GetSizeBytes("link.host_mem", 256<<20)),
		WindowSize:  int(c.GetSizeBytes("link.window_size", 0)),
		MaxWindows:  c.GetInt("link.windows", 0),
		Vectors:     c.GetInt("link.vectors", 0),
		DMA:         mode,
		DMADelay:    c.GetDuration("link.dma_delay", 0),
	}), nil
}

func backendFromConfig(l *logrus.Logger, c *config.C) (backend.Controller, error) {
	bType := c.GetString("backend.type", "mem")
	if bType != "mem" {
		return nil, fmt.Errorf("backend.type was not understood: %s", bType)
	}

	sizes := make(map[uint32]uint64)
	for k, v := range c.GetMap("backend.namespaces", m{"1": "64M"}) {
		var nsid uint32
		if _, err := fmt.Sscanf(k, "%d", &nsid); err != nil {
			return nil, fmt.Errorf("backend.namespaces key %q is not a namespace id", k)
		}
		size, err := config.ParseSizeBytes(fmt.Sprintf("%v", v))
		if err != nil {
			return nil, fmt.Errorf("backend.namespaces.%s: %w", k, err)
		}
		sizes[nsid] = size
	}

	return backend.NewMem(l, backend.MemConfig{
		NamespaceSizes: sizes,
		QueuePairs:     c.GetInt("backend.queue_pairs", 0),
	})
}
