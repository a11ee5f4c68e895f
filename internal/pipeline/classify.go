package pipeline

// Crowd size from which weapons, fire, sticks or placards change the verdict
const crowdThreshold = 3

// Classify maps peak counts to a mob state and its alert severity.
// Violence or unrest only count once the crowd reaches three people.
func Classify(counts Counts) (MobState, Alert) {
	crowd := counts[CategoryPerson]
	violence := counts[CategoryWeapon] + counts[CategoryFire]
	unrest := counts[CategoryStick] + counts[CategoryPlacard]

	switch {
	case violence > 0 && crowd >= crowdThreshold:
		return MobViolent, AlertDanger
	case unrest > 0 && crowd >= crowdThreshold:
		return MobRestless, AlertWarning
	default:
		return MobPeaceful, AlertSuccess
	}
}
