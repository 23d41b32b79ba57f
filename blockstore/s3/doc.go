// Package s3 provides Amazon S3 backed block storage.
//
// Store keeps one object per relation block. DDBSizeRegister keeps relation
// block counts in DynamoDB, whose conditional writes give relation extension
// the compare-and-swap semantics S3 lacks.
//
//	cfg, _ := config.LoadDefaultConfig(ctx)
//	store := s3.NewStore(awss3.NewFromConfig(cfg), "bucket", "indexes/")
//	sizes := s3.NewDDBSizeRegister(dynamodb.NewFromConfig(cfg), "relation-sizes", "s3://bucket/indexes")
//	smgr := blockstore.NewBlobManager(store, sizes)
package s3
