// Package evaluation measures a trained pipeline against labeled test data.
//
// Intents and response keys are scored per example. Entities are scored per
// token: every token is labeled with the entity it overlaps most, or
// NoEntity, once for the gold annotations and once for each extractor.
// CrossValidate repeats training and evaluation over stratified folds, and
// the Plot functions render confidence histograms and confusion matrices.
package evaluation
