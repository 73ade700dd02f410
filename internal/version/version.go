package version

import (
	"fmt"
	"log"
	"strings"

	"github.com/krinkuto11/acefleet/theme"
)

var (
	Name        = "acefleet"
	Description = "AceStream engine fleet orchestrator"
	Version     = "v0.0.1"
	Commit      = "none"
	Date        = "nowish"
)

const (
	GithubHomeText = "github.com/krinkuto11/acefleet"
	GithubHomeUri  = "https://github.com/krinkuto11/acefleet"
)

func PrintVersionInfo(extendedInfo bool, vlog *log.Logger) {
	githubUri := theme.Hyperlink(GithubHomeUri, GithubHomeText)

	var b strings.Builder
	b.WriteString(fmt.Sprintf("%s %s — %s\n", Name, Version, Description))
	b.WriteString(fmt.Sprintf(" %s\n", githubUri))

	if extendedInfo {
		b.WriteString(fmt.Sprintf(" Commit: %s\n", Commit))
		b.WriteString(fmt.Sprintf("  Built: %s\n", Date))
	}

	vlog.Println(b.String())
}
