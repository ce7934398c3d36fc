// Command crmsync runs the CRM message sync service.
//
//	@title			CRM Sync API
//	@version		1.0
//	@description	Multi-channel message sync for the CRM: Telegram webhook, operator API and realtime events.
//	@BasePath		/api/v1
package main

import "github.com/tbourn/crm-sync/internal/cli"

func main() {
	cli.Execute()
}
