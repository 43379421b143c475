package supervisor

import "go.uber.org/goleak"

// google.golang.org/api starts the opencensus view worker at init and never
// stops it.
var leakOptions = []goleak.Option{
	goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"),
}
