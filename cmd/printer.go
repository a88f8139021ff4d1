package cmd

import "grimm.is/warden/internal/i18n"

// Printer formats CLI output with locale-aware number grouping.
var Printer = i18n.NewCLIPrinter()
