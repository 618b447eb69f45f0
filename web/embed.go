package web

import "embed"

// FS contains the embedded configuration page.
//
//go:embed index.html
var FS embed.FS
