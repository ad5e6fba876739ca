package worker

import "go.uber.org/fx"

// Module provides the per-device worker fx.Module entry point. Workers are
// constructed per-device at startup (see cmd/qarbd), not as a single fx
// constructor, since the device set is only known once config is parsed.
var Module = fx.Module("worker")
