// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package emumanager

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

func tracer() trace.Tracer { return otel.Tracer("emuhub/emumanager") }
