// Package setupscript renders the one-shot shell script an operator runs
// on the remote Unraid host to provision it for backups: create the
// client's directory layout and install the backup daemon's SSH public
// key into authorized_keys. Grounded on the script-generation pattern in
// original_source's setup API, adapted from a local btrfs/LUKS installer
// script to a remote provisioning script since this daemon's setup
// surface is "prepare the remote target," not "partition the local disk."
package setupscript

import (
	"bytes"
	"fmt"
	"text/template"
)

// Params customizes the rendered script.
type Params struct {
	ClientName string
	BasePath   string
	UnraidUser string
	PublicKey  string // contents of the backup daemon's SSH public key
}

var tmpl = template.Must(template.New("setup").Parse(`#!/bin/sh
# Provisions {{.UnraidUser}}@<this host> to receive btrfsvault backups for
# client "{{.ClientName}}". Run this once on the Unraid (or other remote)
# target, as {{.UnraidUser}}.
set -eu

BASE_PATH="{{.BasePath}}"
CLIENT_NAME="{{.ClientName}}"

mkdir -p "$BASE_PATH/$CLIENT_NAME"
chmod 700 "$BASE_PATH/$CLIENT_NAME"

mkdir -p ~/.ssh
chmod 700 ~/.ssh
touch ~/.ssh/authorized_keys
chmod 600 ~/.ssh/authorized_keys

PUBKEY='{{.PublicKey}}'
if ! grep -qF "$PUBKEY" ~/.ssh/authorized_keys 2>/dev/null; then
	echo "$PUBKEY" >> ~/.ssh/authorized_keys
	echo "installed backup key into ~/.ssh/authorized_keys"
else
	echo "backup key already present in ~/.ssh/authorized_keys"
fi

echo "provisioned $BASE_PATH/$CLIENT_NAME for client $CLIENT_NAME"
`))

// Render produces the provisioning script for p.
func Render(p Params) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, p); err != nil {
		return "", fmt.Errorf("setupscript: rendering: %w", err)
	}
	return buf.String(), nil
}
