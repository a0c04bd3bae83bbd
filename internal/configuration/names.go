package configuration

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/narvanalabs/stackpilot/internal/models"
)

var adjectives = []string{
	"amber", "bold", "brave", "calm", "clever", "crisp", "eager", "fancy",
	"gentle", "happy", "jolly", "keen", "lively", "lucky", "mellow", "nimble",
	"proud", "quiet", "rapid", "shiny", "silent", "steady", "swift", "witty",
}

var nouns = []string{
	"badger", "beaver", "falcon", "ferret", "gecko", "heron", "ibis", "koala",
	"lemur", "lynx", "marten", "newt", "otter", "panda", "puffin", "quail",
	"raven", "salmon", "stoat", "tapir", "toucan", "walrus", "wombat", "yak",
}

// nicknameFor derives a human label from the configuration identity so the same
// target always receives the same nickname.
func nicknameFor(cfg *models.Configuration) string {
	var seed string
	switch cfg.General.Type {
	case models.ConfigurationTypeApplication:
		seed = cfg.NaturalKey().String()
	case models.ConfigurationTypeService:
		seed = "service/" + cfg.Service.Template + "/" + cfg.General.DeployID
	default:
		seed = string(cfg.General.Type) + "/" + cfg.General.DeployID
	}
	sum := sha256.Sum256([]byte(seed))
	a := binary.BigEndian.Uint16(sum[0:2])
	b := binary.BigEndian.Uint16(sum[2:4])
	return fmt.Sprintf("%s-%s-%x", adjectives[int(a)%len(adjectives)], nouns[int(b)%len(nouns)], sum[4:6])
}
