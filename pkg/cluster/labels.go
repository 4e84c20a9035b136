package cluster

// Labels stamped on every object the platform manages. The rollout tracker
// selects pods by deployment id; teardown selects everything by app.
const (
	LabelApp          = "quarry.dev/app"
	LabelDeploymentID = "quarry.dev/deployment-id"
	LabelManagedBy    = "app.kubernetes.io/managed-by"

	ManagerName = "quarry"
)

// SelectorForDeployment returns the label selector matching one
// deployment's pods.
func SelectorForDeployment(deploymentID string) string {
	return LabelDeploymentID + "=" + deploymentID
}

// SelectorForApp returns the label selector matching all of an app's
// managed objects.
func SelectorForApp(appID string) string {
	return LabelApp + "=" + appID
}
