// Package nn provides the frozen convolutional feature extractor used for
// style transfer.
//
// A network is an ordered stack of stages (3×3 convolution, ReLU, 2×2
// pooling) laid out like the VGG family. Each stage has a stable identifier:
//
//	conv_<block>_<n>   convolution n of block
//	relu_<block>_<n>   the rectifier after it
//	pool_<block>       the pooling that closes the block
//
// Images enter as [3,H,W] float32 tensors in [0,1]. ImageNet mean/std
// normalization is the first differentiable stage, so gradients returned by
// Backward are expressed in pixel space.
//
// Example usage:
//
//	weights, _ := nn.LoadWeights("weights/vgg19-original.safetensors", nn.VGG19())
//	backend := nn.NewCPUBackend(0)
//	defer backend.Close()
//
//	ext, _ := nn.NewExtractor(nn.VGG19(), weights, nn.ExtractorOptions{Backend: backend})
//	feats, trace, _ := ext.Extract(img, []string{"relu_4_2"})
//
//	// dLoss/dFeature for every requested layer
//	grad, _ := ext.Backward(trace, grads)
package nn
