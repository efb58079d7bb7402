package cos

import (
	"sync"

	"github.com/teris-io/shortid"
)

// shortIDAlphabet mirrors the teacher's own alphabet choice for
// shortid.MustNew: longer than the default to keep collision probability
// low for archive-scale id counts.
const shortIDAlphabet = "-5nZJDft6LuzsjGNpPwY7rQa39vehq4i1cV2FROo8yHSlC0BUEdWbIxMmTgKXAk_"

var (
	sidOnce sync.Once
	sid     *shortid.Shortid
)

func shortIDGen() *shortid.Shortid {
	sidOnce.Do(func() {
		sid = shortid.MustNew(1, shortIDAlphabet, 0)
	})
	return sid
}

// GenShortID returns a short, URL-safe, collision-resistant id used to name
// temporary overflow shards during reshard and copy-merge
// (`<archive>_<id>`), replacing the upstream implementation's
// uuid4().hex[:12] with an equally short, equally unique id drawn from this
// module's own dependency.
func GenShortID() string {
	return shortIDGen().MustGenerate()
}
