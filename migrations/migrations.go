// Package migrations embeds the tenant schema migrations applied by
// "visitflow-server migrate up" and "tenant create".
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
