package device

import (
	"fmt"
)

const blockSize = 64

// kernelSource returns the OKL gather, scatter and boundary kernels for
// scalar type ctype. Field data is component major: scalar c of site i is
// data[c*stride + i].
func kernelSource(ctype string) string {
	return fmt.Sprintf(`
#define T %[1]s
#define BLOCK %[2]d

@kernel void gatherSites(const int n, const int nc, const int stride,
                         @restrict const int *idx,
                         @restrict const T *data,
                         @restrict T *buf,
                         const int negate) {
  for (int b = 0; b < (n + BLOCK - 1) / BLOCK; ++b; @outer) {
    for (int t = 0; t < BLOCK; ++t; @inner) {
      const int k = b * BLOCK + t;
      if (k < n) {
        const int i = idx[k];
        for (int c = 0; c < nc; ++c) {
          const T v = data[c * stride + i];
          buf[k * nc + c] = negate ? -v : v;
        }
      }
    }
  }
}

@kernel void scatterSites(const int n, const int nc, const int stride,
                          @restrict const int *idx,
                          @restrict const T *buf,
                          @restrict T *data) {
  for (int b = 0; b < (n + BLOCK - 1) / BLOCK; ++b; @outer) {
    for (int t = 0; t < BLOCK; ++t; @inner) {
      const int k = b * BLOCK + t;
      if (k < n) {
        const int i = idx[k];
        for (int c = 0; c < nc; ++c) {
          data[c * stride + i] = buf[k * nc + c];
        }
      }
    }
  }
}

@kernel void copySites(const int n, const int nc, const int stride,
                       @restrict const int *src,
                       @restrict const int *dst,
                       @restrict T *data,
                       const int negate) {
  for (int b = 0; b < (n + BLOCK - 1) / BLOCK; ++b; @outer) {
    for (int t = 0; t < BLOCK; ++t; @inner) {
      const int k = b * BLOCK + t;
      if (k < n) {
        for (int c = 0; c < nc; ++c) {
          const T v = data[c * stride + src[k]];
          data[c * stride + dst[k]] = negate ? -v : v;
        }
      }
    }
  }
}
`, ctype, blockSize)
}
