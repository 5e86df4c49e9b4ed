package resources

import "embed"

//go:embed migrations wordlist.yml
var FS embed.FS
