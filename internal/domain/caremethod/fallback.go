package caremethod

// Static score-band tables for legacy method keys that predate dynamic
// method storage. These methods have no question schema, so item keys are
// not validated against them.
var fallbackMethods = map[string]*CareMethod{
	"FUGULIN": {
		Key:  "FUGULIN",
		Name: "Fugulin",
		Bands: []ScoreBand{
			{Min: 0, Max: 14, Classification: ClassMinimal},
			{Min: 15, Max: 20, Classification: ClassIntermediate},
			{Min: 21, Max: 26, Classification: ClassHighDependency},
			{Min: 27, Max: 31, Classification: ClassSemiIntensive},
			{Min: 32, Max: 1<<31 - 1, Classification: ClassIntensive},
		},
	},
	"PERROCA": {
		Key:  "PERROCA",
		Name: "Perroca",
		Bands: []ScoreBand{
			{Min: 0, Max: 26, Classification: ClassMinimal},
			{Min: 27, Max: 39, Classification: ClassIntermediate},
			{Min: 40, Max: 52, Classification: ClassSemiIntensive},
			{Min: 53, Max: 1<<31 - 1, Classification: ClassIntensive},
		},
	},
}

// Fallback returns the static method table for key, if one exists.
func Fallback(key string) (*CareMethod, bool) {
	m, ok := fallbackMethods[key]
	return m, ok
}
