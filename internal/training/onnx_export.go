package training

import (
	"github.com/pkg/errors"
)

// WriteONNX bakes the latest snapshot of checkpointDir into a copy of its ONNX graph and
// writes it to outPath. No backend is needed, only the variable values are moved.
func WriteONNX(checkpointDir, outPath string) (err error) {
	clf, err := loadClassifier(checkpointDir, 0)
	if err != nil {
		return err
	}
	defer clf.close()

	if err := clf.restore(checkpointDir); err != nil {
		return err
	}

	defer guard(&err, "error converting checkpoint to onnx")

	if err := clf.model.ContextToONNX(clf.ctx); err != nil {
		return errors.Wrap(err, "error copying trained weights into onnx graph")
	}
	if err := clf.model.SaveToFile(outPath); err != nil {
		return errors.Wrapf(err, "error writing %s", outPath)
	}
	return nil
}
