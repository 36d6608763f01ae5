// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package version holds the build identity, stamped via ldflags.
package version

var (
	// AgentVersion is the semantic version of the build.
	AgentVersion = "0.9.0"

	// Commit is the git revision the build was produced from.
	Commit = ""
)
