package p2p

import (
	"testing"

	"github.com/anuraghashagile/stangersin--town/internal/proto"
)

func TestConfigWithDefaults(t *testing.T) {
	t.Run("empty namespaces fall back", func(t *testing.T) {
		cfg := Config{ListenPort: 4001, KeyFile: "id.key"}.withDefaults()
		if cfg.MdnsTag != proto.MdnsTag {
			t.Fatalf("mdns tag = %q, want %q", cfg.MdnsTag, proto.MdnsTag)
		}
		if cfg.PresenceTopic != proto.PresenceTopic {
			t.Fatalf("presence topic = %q, want %q", cfg.PresenceTopic, proto.PresenceTopic)
		}
		if cfg.TownTopic != proto.TownTopic {
			t.Fatalf("town topic = %q, want %q", cfg.TownTopic, proto.TownTopic)
		}
		if cfg.ListenPort != 4001 || cfg.KeyFile != "id.key" {
			t.Fatal("defaults clobbered explicit fields")
		}
	})

	t.Run("explicit namespaces kept", func(t *testing.T) {
		cfg := Config{
			MdnsTag:       "lab-mdns",
			PresenceTopic: "lab.presence",
			TownTopic:     "lab.town",
		}.withDefaults()
		if cfg.MdnsTag != "lab-mdns" || cfg.PresenceTopic != "lab.presence" || cfg.TownTopic != "lab.town" {
			t.Fatalf("explicit namespaces rewritten: %+v", cfg)
		}
	})
}
