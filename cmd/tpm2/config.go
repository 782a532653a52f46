package main

import (
	"encoding/xml"
	"os"

	"github.com/pkg/errors"

	"github.com/holocm/tpm2/internal/provider"
)

// configXML mirrors the repository-list grammar spec §6 names
// (<target>/etc/tpm2/config.xml) without spelling out a byte grammar of
// its own: one <repository> element per configured directory repository,
// matching the "repositories without signature enforcement" and
// "repositories requiring a valid signature" distinction spec §7's
// signature error propagation policy draws. Grounded on transport.ParseDesc's
// encoding/xml usage, the only XML parsing idiom this codebase carries.
type configXML struct {
	XMLName      xml.Name        `xml:"config"`
	Repositories []repositoryXML `xml:"repository"`
}

type repositoryXML struct {
	Path          string `xml:"path,attr"`
	RequireSigned bool   `xml:"require-signed,attr"`
}

// repoConfig is the parsed, directly usable form of config.xml.
type repoConfig struct {
	repos []repositoryXML
}

// loadConfig reads and parses path. A missing config file is not an
// error: it yields an empty repository list, the same way a freshly
// bootstrapped target with no repositories configured yet behaves.
func loadConfig(path string) (*repoConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &repoConfig{}, nil
		}
		return nil, errors.Wrapf(err, "reading %s", path)
	}
	var cx configXML
	if err := xml.Unmarshal(data, &cx); err != nil {
		return nil, errors.Wrapf(err, "parsing %s", path)
	}
	return &repoConfig{repos: cx.Repositories}, nil
}

// repositories builds one provider.DirectoryRepository per configured
// entry, in the priority order they were listed.
func (c *repoConfig) repositories() []provider.Repository {
	out := make([]provider.Repository, 0, len(c.repos))
	for _, r := range c.repos {
		out = append(out, &provider.DirectoryRepository{Root: r.Path})
	}
	return out
}
