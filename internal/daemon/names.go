package daemon

import (
	"fmt"
	"math/rand"
)

// adjectives and nouns back auto-generated session names
// (<adjective>-<noun>-<0..99>).
var adjectives = []string{
	"alpha", "amber", "arid", "azure", "bold", "brave", "brisk", "bright",
	"broad", "calm", "clever", "cobalt", "coral", "crimson", "curious",
	"dapper", "dark", "deep", "dim", "eager", "early", "east", "easy",
	"elder", "empty", "faint", "fast", "feral", "fierce", "fine", "flat",
	"fond", "fresh", "frosty", "gentle", "giant", "glad", "gold", "good",
	"grand", "gray", "green", "gruff", "happy", "hardy", "hasty", "hazel",
	"hidden", "high", "honest", "hushed", "icy", "idle", "ivory", "jade",
	"jolly", "jovial", "keen", "kind", "lanky", "large", "late", "lean",
	"light", "little", "lively", "lone", "loud", "lucky", "lunar", "major",
	"mellow", "merry", "mighty", "mild", "misty", "modest", "mute", "north",
	"nimble", "noble", "odd", "olive", "orange", "pale", "patient", "plain",
	"plucky", "polite", "proud", "quick", "quiet", "rapid", "rare", "ready",
	"rich", "rosy", "rough", "round", "royal", "rusty", "sage", "salty",
	"sandy", "shy", "silent", "silver", "simple", "slate", "sly", "small",
	"soft", "solar", "solid", "sonic", "south", "spare", "spry", "stark",
	"steady", "stern", "stout", "sturdy", "subtle", "sunny", "swift",
	"tame", "tan", "teal", "tender", "terse", "thick", "thin", "tidy",
	"tiny", "tough", "true", "vast", "vivid", "warm", "west", "wide",
	"wild", "wily", "windy", "wise", "witty", "young", "zesty", "zippy",
}

var nouns = []string{
	"acorn", "anchor", "antler", "arrow", "aspen", "badger", "banyan",
	"basalt", "bay", "beacon", "bear", "beaver", "birch", "bison", "bluff",
	"boar", "boulder", "bramble", "bridge", "brook", "canyon", "cave",
	"cedar", "channel", "cliff", "cloud", "clover", "comet", "condor",
	"coral", "cougar", "coyote", "crane", "creek", "crow", "current",
	"delta", "desert", "dingo", "dolphin", "dove", "dragon", "drake",
	"dune", "eagle", "egret", "elk", "ember", "falcon", "fawn", "fern",
	"field", "finch", "fjord", "flame", "forest", "fox", "gazelle", "glacier",
	"glade", "goose", "gorge", "granite", "grove", "gull", "harbor", "hare",
	"harrier", "hawk", "heron", "hill", "horizon", "hornet", "hyena", "ibex",
	"iguana", "inlet", "island", "ivy", "jackal", "jaguar", "jay", "juniper",
	"kestrel", "kiwi", "knoll", "koala", "lagoon", "lake", "lantern",
	"lark", "lemur", "leopard", "lichen", "lily", "lion", "llama", "lotus",
	"lynx", "magpie", "maple", "marsh", "marten", "meadow", "mesa", "mist",
	"moon", "moss", "mountain", "mouse", "newt", "oasis", "ocelot", "oak",
	"orchid", "osprey", "otter", "owl", "panda", "panther", "peak", "pebble",
	"perch", "pika", "pine", "plain", "plateau", "plover", "pond", "poplar",
	"prairie", "quail", "quarry", "rapid", "raven", "reed", "reef", "ridge",
	"river", "robin", "sage", "salmon", "sand", "serval", "shore", "shrike",
	"sierra", "slope", "sparrow", "sprig", "spring", "spruce", "stag",
	"star", "stone", "stork", "stream", "summit", "swallow", "swan", "tern",
	"thistle", "thrush", "tiger", "toad", "trail", "tundra", "valley",
	"vine", "viper", "vista", "vole", "vulture", "warbler", "wave", "whale",
	"willow", "wolf", "wolverine", "wren", "yak", "zebra",
}

// GenerateName produces a random <adjective>-<noun>-<0..99> session
// name and retries (bounded) against exists until it finds a free one.
func GenerateName(exists func(string) bool) string {
	for attempt := 0; attempt < 200; attempt++ {
		name := fmt.Sprintf("%s-%s-%d",
			adjectives[rand.Intn(len(adjectives))],
			nouns[rand.Intn(len(nouns))],
			rand.Intn(100),
		)
		if !exists(name) {
			return name
		}
	}
	// Exhausted retries (astronomically unlikely with ~2.7M combinations);
	// fall back to a name that is certain to be free.
	for {
		name := fmt.Sprintf("session-%d", rand.Intn(1_000_000))
		if !exists(name) {
			return name
		}
	}
}
